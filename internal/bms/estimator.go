package bms

import (
	"fmt"
	"math"
	"time"
)

// Phase tracks how much capacity history the Estimator has seen.
type Phase int

const (
	// Uninitialized: baseline capacity recorded, no change observed yet.
	Uninitialized Phase = iota
	// AwaitingSecondSample: one change seen, no rate available yet.
	AwaitingSecondSample
	// Ready: a capacity-derived current is available.
	Ready
)

func (p Phase) String() string {
	switch p {
	case AwaitingSecondSample:
		return "awaiting_second_sample"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{Uninitialized, AwaitingSecondSample, Ready} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("bms: unknown estimator phase %q", b)
}

// Source says which rule picked the published current.
type Source int

const (
	SourceNone     Source = iota
	SourceStale           // no capacity change for StaleAfter: rolling average
	SourceNotReady        // derived current not available yet: rolling average
	SourceDiverged        // derived value old and far from the average: rolling average
	SourceDerived         // capacity-derived current
)

func (s Source) String() string {
	switch s {
	case SourceStale:
		return "stale"
	case SourceNotReady:
		return "not_ready"
	case SourceDiverged:
		return "diverged"
	case SourceDerived:
		return "derived"
	default:
		return "none"
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	for _, v := range []Source{SourceNone, SourceStale, SourceNotReady, SourceDiverged, SourceDerived} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("bms: unknown current source %q", b)
}

// EstimatorConfig tunes the Estimator. Zero values take the defaults.
type EstimatorConfig struct {
	StaleAfter   time.Duration
	ConfirmAfter time.Duration
	Margin       float64 // amps
}

const (
	rollingWindow = 5

	defaultStaleAfter   = 120 * time.Second
	defaultConfirmAfter = 5 * time.Second
	defaultMargin       = 3.0
)

// Estimator blends the BMS's noisy current sensor with the current implied by
// its remaining-capacity counter, which only moves in 0.01 Ah steps but is
// accurate.
//
// It is a value: Next returns the successor state and never mutates the
// receiver.
type Estimator struct {
	cfg EstimatorConfig

	seeded        bool
	lastRemaining float64
	lastChange    time.Time
	phase         Phase
	derived       float64

	samples [rollingWindow]float64
	n       int // samples held
	next    int // ring write index
}

// Estimate is the outcome of one Estimator step.
type Estimate struct {
	Current     float64       `json:"current"` // published value
	Average     float64       `json:"average"` // rolling sensor average
	Derived     float64       `json:"derived"` // last capacity-derived current
	Source      Source        `json:"source"`
	Phase       Phase         `json:"phase"`
	SinceChange time.Duration `json:"sinceChange"`
}

// NewEstimator returns an Estimator with no history.
func NewEstimator(cfg EstimatorConfig) Estimator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ConfirmAfter <= 0 {
		cfg.ConfirmAfter = defaultConfirmAfter
	}
	if cfg.Margin <= 0 {
		cfg.Margin = defaultMargin
	}
	return Estimator{cfg: cfg}
}

// Phase returns the estimator phase.
func (e Estimator) Phase() Phase { return e.phase }

// Next feeds one poll: the raw sensor current (A), the remaining capacity
// (Ah) and the poll time.
//
// The time since the last capacity change is taken, in whole seconds, before
// a change on this poll is recorded.
func (e Estimator) Next(raw, remaining float64, now time.Time) (Estimator, Estimate) {
	if !e.seeded {
		e.seeded = true
		e.lastRemaining = remaining
		e.lastChange = now
	}
	since := now.Sub(e.lastChange).Truncate(time.Second)

	if remaining != e.lastRemaining {
		hours := now.Sub(e.lastChange).Hours()
		delta := remaining - e.lastRemaining
		e.lastRemaining = remaining
		e.lastChange = now

		switch {
		case e.phase == Uninitialized:
			e.phase = AwaitingSecondSample
		case hours > 0:
			e.derived = delta / hours
			e.phase = Ready
		}
	}

	e.samples[e.next] = raw
	e.next = (e.next + 1) % rollingWindow
	if e.n < rollingWindow {
		e.n++
	}
	avg := e.average()

	est := Estimate{
		Average:     avg,
		Derived:     e.derived,
		Phase:       e.phase,
		SinceChange: since,
	}
	switch {
	case since > e.cfg.StaleAfter:
		est.Source = SourceStale
	case e.phase != Ready:
		est.Source = SourceNotReady
	case since > e.cfg.ConfirmAfter && math.Abs(e.derived-avg) > e.cfg.Margin:
		est.Source = SourceDiverged
	default:
		est.Source = SourceDerived
	}

	if est.Source == SourceDerived {
		est.Current = e.derived
	} else {
		est.Current = avg
	}
	return e, est
}

func (e Estimator) average() float64 {
	if e.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < e.n; i++ {
		sum += e.samples[i]
	}
	return sum / float64(e.n)
}
