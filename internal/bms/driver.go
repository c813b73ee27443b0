package bms

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/litime-dash/internal/ble"
)

// BatteryType is the device family label used in names.
const BatteryType = "Litime"

// Default LiTime GATT characteristics.
const (
	ReadCharacteristic  = "0000ffe1-0000-1000-8000-00805f9b34fb"
	WriteCharacteristic = "0000ffe2-0000-1000-8000-00805f9b34fb"
)

// Config holds driver configuration.
type Config struct {
	Bridge    ble.Config
	Estimator EstimatorConfig

	// Per-cell limits used to derive pack min/max voltage from the live cell count.
	MaxCellVoltage float64
	MinCellVoltage float64
}

// Driver implements Provider for LiTime batteries.
//
// Each poll sends QueryStatus through the Bridge, decodes the reply, runs
// the current Estimator and publishes a new Telemetry. Nothing is published
// unless the whole reply decodes.
type Driver struct {
	cfg    Config
	bridge *ble.Bridge
	cancel context.CancelFunc
	now    func() time.Time

	refreshMu  sync.Mutex // serializes Refresh; guards est and lastSource
	est        Estimator
	lastSource Source

	mu  sync.RWMutex
	tel Telemetry
}

// NewDriver creates a LiTime driver talking through tr.
func NewDriver(cfg Config, tr ble.Transport) *Driver {
	if cfg.Bridge.ReadChar == "" {
		cfg.Bridge.ReadChar = ReadCharacteristic
	}
	if cfg.Bridge.WriteChar == "" {
		cfg.Bridge.WriteChar = WriteCharacteristic
	}
	if cfg.MaxCellVoltage == 0 {
		cfg.MaxCellVoltage = 3.65 // LiFePO4
	}
	if cfg.MinCellVoltage == 0 {
		cfg.MinCellVoltage = 2.9
	}
	return &Driver{
		cfg:    cfg,
		bridge: ble.New(cfg.Bridge, tr),
		now:    time.Now,
		est:    NewEstimator(cfg.Estimator),
	}
}

func (d *Driver) Name() string { return "LiTime BMS" }

// Start starts the bridge and takes a first reading. Only a bridge failure
// fails Start; the first reading is best effort.
func (d *Driver) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	log.Printf("[litime] starting %s", d.ConnectionName())
	if err := d.bridge.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("litime: %s: %w", d.bridge.Address(), err)
	}

	if err := d.Refresh(); err != nil {
		log.Printf("[litime] first reading failed: %v", err)
	} else {
		t := d.Telemetry()
		log.Printf("[litime] %s: %d cells, %.2f V, %.0f%% SOC, %.2f/%.2f Ah",
			d.CustomName(), t.CellCount, t.Voltage, t.SOC, t.CapacityRemaining, t.Capacity)
	}
	return nil
}

// Close stops the bridge and waits until it has released the link.
func (d *Driver) Close() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.bridge.Done()
	return nil
}

func (d *Driver) IsConnected() bool { return d.bridge.State() == ble.Connected }

// Refresh polls the battery once.
func (d *Driver) Refresh() error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	reply, err := d.bridge.Exchange(QueryStatus)
	if err != nil {
		return fmt.Errorf("litime: status query: %w", err)
	}
	f, err := ParseStatus(reply)
	if err != nil {
		return err
	}

	now := d.now()
	var est Estimate
	d.est, est = d.est.Next(f.Current, f.Remaining, now)
	if est.Source != d.lastSource {
		log.Printf("[litime] current source %s -> %s (sensor avg %.3f A, derived %.3f A, %v since capacity change)",
			d.lastSource, est.Source, est.Average, est.Derived, est.SinceChange)
		d.lastSource = est.Source
	}

	t := d.telemetry(f, est, now)

	d.mu.Lock()
	d.tel = t
	d.mu.Unlock()
	return nil
}

func (d *Driver) telemetry(f *StatusFrame, est Estimate, now time.Time) Telemetry {
	cells := make([]Cell, len(f.Cells))
	for i, v := range f.Cells {
		cells[i] = Cell{Voltage: v, Balance: f.CellBalancing(i)}
	}
	return Telemetry{
		Voltage:           f.TotalVoltage,
		Current:           est.Current,
		Power:             f.TotalVoltage * est.Current,
		SOC:               float64(f.SOC),
		SOH:               float64(f.SOH),
		Capacity:          f.FullCapacity,
		CapacityRemaining: f.Remaining,

		Cells:             cells,
		CellCount:         f.CellCount,
		MaxBatteryVoltage: d.cfg.MaxCellVoltage * float64(f.CellCount),
		MinBatteryVoltage: d.cfg.MinCellVoltage * float64(f.CellCount),

		Temp1:   float64(f.CellTemp),
		Temp2:   float64(f.AuxTemp),
		TempMOS: float64(f.MosfetTemp),

		ChargeFET:    f.ChargeEnabled(),
		DischargeFET: f.DischargeEnabled(),
		BalanceFET:   f.BalanceActive(),

		TotalAhDrawn:   float64(f.DischargedAh),
		FullDischarges: int(f.FullDischarges),

		Estimate: est,
		Status:   f,
		Updated:  now,
	}
}

// Telemetry returns the last published telemetry.
func (d *Driver) Telemetry() Telemetry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tel
}

// UniqueIdentifier is the peer address.
func (d *Driver) UniqueIdentifier() string { return d.bridge.Address() }

func (d *Driver) ConnectionName() string { return "BLE " + d.bridge.Address() }

// CustomName is the type plus the last five characters of the address.
func (d *Driver) CustomName() string {
	addr := d.bridge.Address()
	if len(addr) > 5 {
		addr = addr[len(addr)-5:]
	}
	return "Bat: " + BatteryType + " " + addr
}
