package ble

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the peer identity and timing of a Bridge.
type Config struct {
	Address   string
	ReadChar  string // notify characteristic
	WriteChar string // command characteristic

	// WriteWithoutResponse skips the write ack. The LiTime firmware acks writes.
	WriteWithoutResponse bool

	StartupTimeout  time.Duration // background loop must report running within this
	ConnectTimeout  time.Duration // first attempt must finish within this
	AttemptTimeout  time.Duration // bound on a single Connect call
	ExchangeTimeout time.Duration // write + reply
	Backoff         time.Duration // pause between reconnect attempts
	IdleTick        time.Duration // liveness check period while connected
}

const (
	defaultStartupTimeout  = 2 * time.Second
	defaultConnectTimeout  = 90 * time.Second
	defaultAttemptTimeout  = 20 * time.Second
	defaultExchangeTimeout = 1500 * time.Millisecond
	defaultBackoff         = 1 * time.Second
	defaultIdleTick        = 100 * time.Millisecond
)

// Bridge owns one long-lived link to a fixed peer and turns the notify-based
// transport into a blocking request/response call.
//
// A background goroutine holds the connection for the lifetime of the
// context passed to Start, reconnecting with a fixed backoff whenever setup
// fails or the link drops. Exchange is the only entry point for callers; it
// hands the write to that goroutine and waits for the notification that
// answers it.
type Bridge struct {
	cfg Config
	tr  Transport

	slot chan struct{} // held for the duration of one Exchange

	mu      sync.Mutex
	state   State
	pending *pendingRequest

	writes chan writeRequest

	running       atomic.Bool
	started       chan struct{}
	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
}

// pendingRequest is the single outstanding request slot. reply is buffered
// so the notify handler never blocks on a caller that already gave up.
type pendingRequest struct {
	reply chan []byte
}

type writeRequest struct {
	data    []byte
	pending *pendingRequest
	result  chan error
}

// New creates a Bridge over tr. Zero timings take their defaults.
func New(cfg Config, tr Transport) *Bridge {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = defaultIdleTick
	}
	return &Bridge{
		cfg:       cfg,
		tr:        tr,
		slot:      make(chan struct{}, 1),
		writes:    make(chan writeRequest),
		started:   make(chan struct{}),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Address returns the peer address this bridge is bound to.
func (b *Bridge) Address() string { return b.cfg.Address }

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the background loop has exited and released the link.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Start launches the background loop and blocks until it is running and the
// first connection attempt has finished.
//
// The first attempt counts as finished whether it succeeded or failed, so a
// nil return does not guarantee a live link: Exchange may still return
// ErrNotConnected until a later attempt succeeds. Cancelling ctx stops the
// loop and releases the connection.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go b.run(ctx)

	startup := time.NewTimer(b.cfg.StartupTimeout)
	defer startup.Stop()
	select {
	case <-b.started:
	case <-startup.C:
		return ErrStartupTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	connect := time.NewTimer(b.cfg.ConnectTimeout)
	defer connect.Stop()
	select {
	case <-b.connected:
	case <-connect.C:
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.State() != Connected {
		log.Printf("[bridge] %s: first connection attempt failed, will keep retrying in background", b.cfg.Address)
	}
	return nil
}

// Exchange writes cmd and returns the next notification, or fails with
// ErrNotConnected, ErrExchangeTimeout or a wrapped write error. Only one
// exchange may be in flight; a concurrent call gets ErrBusy.
func (b *Bridge) Exchange(cmd []byte) ([]byte, error) {
	select {
	case b.slot <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-b.slot }()

	if b.State() != Connected {
		return nil, ErrNotConnected
	}

	p := &pendingRequest{reply: make(chan []byte, 1)}
	defer b.clearPending(p)

	timer := time.NewTimer(b.cfg.ExchangeTimeout)
	defer timer.Stop()

	w := writeRequest{data: cmd, pending: p, result: make(chan error, 1)}
	select {
	case b.writes <- w:
	case <-timer.C:
		return nil, ErrExchangeTimeout
	}

	result := w.result
	for {
		select {
		case reply := <-p.reply:
			return reply, nil
		case err := <-result:
			if err != nil {
				return nil, fmt.Errorf("ble: write %s: %w", b.cfg.WriteChar, err)
			}
			result = nil
		case <-timer.C:
			return nil, ErrExchangeTimeout
		}
	}
}

func (b *Bridge) clearPending(p *pendingRequest) {
	b.mu.Lock()
	if b.pending == p {
		b.pending = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// onNotify fulfils the request that is current at delivery time. Anything
// arriving with no request outstanding is dropped.
func (b *Bridge) onNotify(buf []byte) {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()

	if p == nil {
		return
	}
	p.reply <- append([]byte(nil), buf...)
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	close(b.started)

	for {
		b.session(ctx)

		select {
		case <-ctx.Done():
			log.Printf("[bridge] %s: owner stopped, releasing link", b.cfg.Address)
			return
		case <-time.After(b.cfg.Backoff):
		}
	}
}

// session runs one connect/serve/disconnect cycle.
func (b *Bridge) session(ctx context.Context) {
	b.setState(Connecting)
	log.Printf("[bridge] connecting to %s", b.cfg.Address)

	err := b.open(ctx)
	if err == nil {
		b.setState(Connected)
	}
	b.connectedOnce.Do(func() { close(b.connected) })

	if err != nil {
		log.Printf("[bridge] %s: %v (retry in %v)", b.cfg.Address, err, b.cfg.Backoff)
	} else {
		log.Printf("[bridge] %s: connected, notifications active", b.cfg.Address)
		b.serve(ctx)
		if ctx.Err() == nil {
			log.Printf("[bridge] %s: link lost (retry in %v)", b.cfg.Address, b.cfg.Backoff)
		}
	}

	b.setState(Disconnected)
	if err := b.tr.Disconnect(); err != nil {
		log.Printf("[bridge] %s: disconnect: %v", b.cfg.Address, err)
	}
}

func (b *Bridge) open(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
	defer cancel()

	if err := b.tr.Connect(actx, b.cfg.Address); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := b.tr.Subscribe(b.cfg.ReadChar, b.onNotify); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.ReadChar, err)
	}
	return nil
}

// serve performs queued writes and watches liveness until the link drops or
// the owner goes away.
func (b *Bridge) serve(ctx context.Context) {
	tick := time.NewTicker(b.cfg.IdleTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-b.writes:
			b.mu.Lock()
			b.pending = w.pending
			b.mu.Unlock()
			w.result <- b.tr.Write(b.cfg.WriteChar, w.data, !b.cfg.WriteWithoutResponse)
		case <-tick.C:
			if !b.tr.IsConnected() {
				return
			}
		}
	}
}
