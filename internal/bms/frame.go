package bms

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QueryStatus is the status request understood by LiTime BMS firmware.
var QueryStatus = []byte{0x00, 0x00, 0x04, 0x01, 0x13, 0x55, 0xAA, 0x17}

const (
	// StatusFrameLen is the shortest reply ParseStatus accepts; the last
	// field read (discharged Ah) ends here.
	StatusFrameLen = 104

	maxCells = 16

	batteryStateChargeOff = 4
	heatDischargeOff      = 0x80
	protectShortCircuit   = 0x20
	protectDischargeOff   = 0x80
)

// Byte offsets into the status reply. Multi-byte fields are little-endian.
const (
	offTotalVoltage  = 8
	offCellSum       = 12
	offCells         = 16
	offCurrent       = 48
	offCellTemp      = 52
	offMosfetTemp    = 54
	offAuxTemp       = 56
	offReserved1     = 58
	offReserved2     = 60
	offRemaining     = 62
	offFullCapacity  = 64
	offReserved3     = 66
	offHeat          = 68
	offBalanceMemory = 72
	offProtection    = 76
	offFailure       = 80
	offBalancing     = 84
	offBatteryState  = 88
	offSOC           = 90
	offSOH           = 92
	offDischarges    = 96
	offDischargedAh  = 100
)

// StatusFrame is one decoded status reply. Values are in volts, amps,
// amp-hours and whole degrees Celsius.
type StatusFrame struct {
	TotalVoltage float64   `json:"totalVoltage"`
	CellSum      float64   `json:"cellSum"`
	Cells        []float64 `json:"cells"` // live cells in slot order
	CellCount    int       `json:"cellCount"`

	Current      float64 `json:"current"` // device sensor, noisy
	CellTemp     int16   `json:"cellTemp"`
	MosfetTemp   int16   `json:"mosfetTemp"`
	AuxTemp      int16   `json:"auxTemp"`
	Remaining    float64 `json:"remaining"`
	FullCapacity float64 `json:"fullCapacity"`

	Heat          uint32 `json:"heat"`
	BalanceMemory uint32 `json:"balanceMemory"`
	Protection    uint32 `json:"protection"`
	Failure       uint32 `json:"failure"`
	Balancing     uint32 `json:"balancing"` // bit n = live cell n balancing
	BatteryState  uint16 `json:"batteryState"`
	SOC           uint16 `json:"soc"`
	SOH           uint32 `json:"soh"`

	FullDischarges uint32 `json:"fullDischarges"`
	DischargedAh   uint32 `json:"dischargedAh"`

	// Unidentified fields, kept for the charge log.
	Reserved [3]uint16 `json:"reserved"`
}

// DecodeError reports a reply that cannot hold a status frame.
type DecodeError struct {
	Got  int
	Want int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bms: status reply too short: got %d bytes, want %d", e.Got, e.Want)
}

// ParseStatus decodes a status reply.
func ParseStatus(d []byte) (*StatusFrame, error) {
	if len(d) < StatusFrameLen {
		return nil, &DecodeError{Got: len(d), Want: StatusFrameLen}
	}

	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(d[off : off+2]) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(d[off : off+4]) }

	f := &StatusFrame{
		TotalVoltage: float64(u32(offTotalVoltage)) / 1000,
		CellSum:      float64(u32(offCellSum)) / 1000,

		Current:      float64(int32(u32(offCurrent))) / 1000,
		CellTemp:     int16(u16(offCellTemp)),
		MosfetTemp:   int16(u16(offMosfetTemp)),
		AuxTemp:      int16(u16(offAuxTemp)),
		Remaining:    float64(u16(offRemaining)) / 100,
		FullCapacity: float64(u16(offFullCapacity)) / 100,

		Heat:          u32(offHeat),
		BalanceMemory: u32(offBalanceMemory),
		Protection:    u32(offProtection),
		Failure:       u32(offFailure),
		Balancing:     u32(offBalancing),
		BatteryState:  u16(offBatteryState),
		SOC:           u16(offSOC),
		SOH:           u32(offSOH),

		FullDischarges: u32(offDischarges),
		DischargedAh:   u32(offDischargedAh),

		Reserved: [3]uint16{u16(offReserved1), u16(offReserved2), u16(offReserved3)},
	}

	// Empty slots are skipped, not treated as the end of the pack.
	for i := 0; i < maxCells; i++ {
		mv := u16(offCells + 2*i)
		if mv == 0 {
			continue
		}
		f.Cells = append(f.Cells, float64(mv)/1000)
	}
	f.CellCount = len(f.Cells)

	return f, nil
}

// ChargeEnabled reports whether the charge MOSFET is on.
func (f *StatusFrame) ChargeEnabled() bool {
	return f.BatteryState != batteryStateChargeOff
}

// DischargeEnabled reports whether the discharge MOSFET is on.
func (f *StatusFrame) DischargeEnabled() bool {
	if f.Heat == heatDischargeOff {
		return false
	}
	return f.Protection != protectShortCircuit && f.Protection != protectDischargeOff
}

// BalanceActive reports whether any cell is being balanced.
func (f *StatusFrame) BalanceActive() bool { return f.Balancing != 0 }

// CellBalancing reports whether live cell i is being balanced.
func (f *StatusFrame) CellBalancing(i int) bool {
	return i < 32 && f.Balancing&(1<<uint(i)) != 0
}

// EncodeStatus builds a status reply for f. Cells fill slots from the first
// one; values beyond the 16 slots are dropped.
func EncodeStatus(f *StatusFrame) []byte {
	d := make([]byte, StatusFrameLen)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(d[off:off+2], v) }
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(d[off:off+4], v) }

	copy(d, QueryStatus[:4])
	put32(offTotalVoltage, uint32(round(f.TotalVoltage*1000)))
	put32(offCellSum, uint32(round(f.CellSum*1000)))
	for i, v := range f.Cells {
		if i == maxCells {
			break
		}
		put16(offCells+2*i, uint16(round(v*1000)))
	}

	put32(offCurrent, uint32(int32(round(f.Current*1000))))
	put16(offCellTemp, uint16(f.CellTemp))
	put16(offMosfetTemp, uint16(f.MosfetTemp))
	put16(offAuxTemp, uint16(f.AuxTemp))
	put16(offReserved1, f.Reserved[0])
	put16(offReserved2, f.Reserved[1])
	put16(offRemaining, uint16(round(f.Remaining*100)))
	put16(offFullCapacity, uint16(round(f.FullCapacity*100)))
	put16(offReserved3, f.Reserved[2])

	put32(offHeat, f.Heat)
	put32(offBalanceMemory, f.BalanceMemory)
	put32(offProtection, f.Protection)
	put32(offFailure, f.Failure)
	put32(offBalancing, f.Balancing)
	put16(offBatteryState, f.BatteryState)
	put16(offSOC, f.SOC)
	put32(offSOH, f.SOH)
	put32(offDischarges, f.FullDischarges)
	put32(offDischargedAh, f.DischargedAh)
	return d
}

func round(v float64) int64 { return int64(math.Round(v)) }
