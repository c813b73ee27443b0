package bms

import (
	"context"
	"time"
)

// Provider is the interface a battery backend implements for the host poll
// loop. LiTime over BLE is the only backend; the demo battery runs behind
// the same driver through a simulated transport.
type Provider interface {
	// Name returns the human-readable name of this backend.
	Name() string
	// Start brings the link up. A failure is terminal for this instance.
	Start(ctx context.Context) error
	// Close stops the link and waits for it to be released.
	Close() error
	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// Refresh runs one poll cycle. On error the previous telemetry is kept
	// and the caller is expected to try again on its next tick.
	Refresh() error
	// Telemetry returns the last successfully polled values.
	Telemetry() Telemetry

	UniqueIdentifier() string
	ConnectionName() string
	CustomName() string
}

// Cell is one live cell of the pack.
type Cell struct {
	Voltage float64 `json:"voltage"` // V
	Balance bool    `json:"balance"`
}

// Telemetry is the externally visible battery state. It is replaced as a
// whole on every successful poll.
type Telemetry struct {
	Voltage           float64 `json:"voltage"`           // V
	Current           float64 `json:"current"`           // A, estimated; negative = discharge
	Power             float64 `json:"power"`             // W
	SOC               float64 `json:"soc"`               // %
	SOH               float64 `json:"soh"`               // %
	Capacity          float64 `json:"capacity"`          // Ah, full charge
	CapacityRemaining float64 `json:"capacityRemaining"` // Ah

	Cells             []Cell  `json:"cells"`
	CellCount         int     `json:"cellCount"`
	MaxBatteryVoltage float64 `json:"maxBatteryVoltage"` // V
	MinBatteryVoltage float64 `json:"minBatteryVoltage"` // V

	Temp1   float64 `json:"temp1"`   // °C, cell sensor
	Temp2   float64 `json:"temp2"`   // °C, auxiliary sensor
	TempMOS float64 `json:"tempMos"` // °C, MOSFET

	ChargeFET    bool `json:"chargeFet"`
	DischargeFET bool `json:"dischargeFet"`
	BalanceFET   bool `json:"balanceFet"`

	TotalAhDrawn   float64 `json:"totalAhDrawn"` // lifetime
	FullDischarges int     `json:"fullDischarges"`

	Estimate Estimate     `json:"estimate"`
	Status   *StatusFrame `json:"status,omitempty"`
	Updated  time.Time    `json:"updated"`
}
