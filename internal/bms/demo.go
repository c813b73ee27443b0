package bms

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoTransport simulates a 24 V LiTime pack behind a notify-only link, for
// development without hardware. It answers QueryStatus with a status frame
// a few milliseconds after the write, the way the real BMS does.
type DemoTransport struct {
	mu        sync.Mutex
	connected bool
	notify    func([]byte)

	start     time.Time
	last      time.Time
	remaining float64 // Ah
	capacity  float64 // Ah
	drawn     float64 // lifetime Ah
}

// NewDemoTransport returns a simulated battery at 80% charge.
func NewDemoTransport() *DemoTransport {
	return &DemoTransport{
		capacity:  100,
		remaining: 80,
		drawn:     1390,
	}
}

func (d *DemoTransport) Connect(ctx context.Context, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if d.start.IsZero() {
		d.start = now
	}
	d.last = now
	d.connected = true
	return nil
}

func (d *DemoTransport) Subscribe(readChar string, onNotify func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = onNotify
	return nil
}

func (d *DemoTransport) Write(writeChar string, data []byte, withResponse bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return errors.New("demo: not connected")
	}
	if !bytes.Equal(data, QueryStatus) {
		return nil
	}
	reply := EncodeStatus(d.step(time.Now()))
	notify := d.notify
	go func() {
		time.Sleep(20 * time.Millisecond)
		if notify != nil {
			notify(reply)
		}
	}()
	return nil
}

func (d *DemoTransport) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.notify = nil
	return nil
}

func (d *DemoTransport) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// step advances the simulation to now and returns the frame the BMS would report.
func (d *DemoTransport) step(now time.Time) *StatusFrame {
	t := now.Sub(d.start).Seconds()
	dt := now.Sub(d.last).Hours()
	d.last = now

	// Slow charge/discharge cycle, a few minutes long.
	current := 25 * math.Sin(t*0.02)
	d.remaining += current * dt
	if d.remaining > d.capacity {
		d.remaining = d.capacity
	}
	if d.remaining < 0 {
		d.remaining = 0
	}
	if current < 0 {
		d.drawn += -current * dt
	}

	soc := d.remaining / d.capacity * 100

	cells := make([]float64, 8)
	var sum float64
	var balancing uint32
	for i := range cells {
		v := 3.2 + soc/100*0.2 + rand.Float64()*0.01 + current*0.002
		cells[i] = v
		sum += v
		if v > 3.39 {
			balancing |= 1 << uint(i)
		}
	}

	var state uint16
	if soc >= 100 {
		state = batteryStateChargeOff
	}

	return &StatusFrame{
		TotalVoltage: sum + rand.Float64()*0.02,
		CellSum:      sum,
		Cells:        cells,
		CellCount:    len(cells),

		// The real sensor is noisy; the capacity counter is not.
		Current:      current + (rand.Float64()*4 - 2),
		CellTemp:     int16(18 + math.Abs(current)/10),
		MosfetTemp:   int16(19 + math.Abs(current)/5),
		AuxTemp:      -40,
		Remaining:    math.Floor(d.remaining*100) / 100,
		FullCapacity: d.capacity,

		Balancing:    balancing,
		BatteryState: state,
		SOC:          uint16(soc),
		SOH:          100,

		FullDischarges: 1,
		DischargedAh:   uint32(d.drawn),
	}
}
