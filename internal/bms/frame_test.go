package bms

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawStatus builds a reply byte by byte, independent of EncodeStatus.
func rawStatus() []byte {
	d := make([]byte, StatusFrameLen)
	le := binary.LittleEndian

	le.PutUint32(d[8:], 26060)
	le.PutUint32(d[12:], 26058)
	for i, mv := range []uint16{3257, 3258, 3256, 3257, 3258, 3257, 3256, 3259} {
		le.PutUint16(d[16+2*i:], mv)
	}
	current := int32(-12345)
	le.PutUint32(d[48:], uint32(current))
	le.PutUint16(d[52:], 23)
	le.PutUint16(d[54:], 25)
	aux := int16(-40)
	le.PutUint16(d[56:], uint16(aux))
	le.PutUint16(d[58:], 7)
	le.PutUint16(d[60:], 8)
	le.PutUint16(d[62:], 8012)
	le.PutUint16(d[64:], 10000)
	le.PutUint16(d[66:], 9)
	le.PutUint32(d[68:], 0)
	le.PutUint32(d[72:], 3)
	le.PutUint32(d[76:], 0)
	le.PutUint32(d[80:], 0)
	le.PutUint32(d[84:], 0b101)
	le.PutUint16(d[88:], 0)
	le.PutUint16(d[90:], 80)
	le.PutUint32(d[92:], 100)
	le.PutUint32(d[96:], 3)
	le.PutUint32(d[100:], 1390)
	return d
}

func TestParseStatusKnownValues(t *testing.T) {
	f, err := ParseStatus(rawStatus())
	require.NoError(t, err)

	assert.InDelta(t, 26.06, f.TotalVoltage, 1e-9)
	assert.InDelta(t, 26.058, f.CellSum, 1e-9)
	require.Equal(t, 8, f.CellCount)
	assert.InDelta(t, 3.257, f.Cells[0], 1e-9)
	assert.InDelta(t, 3.259, f.Cells[7], 1e-9)

	assert.InDelta(t, -12.345, f.Current, 1e-9)
	assert.Equal(t, int16(23), f.CellTemp)
	assert.Equal(t, int16(25), f.MosfetTemp)
	assert.Equal(t, int16(-40), f.AuxTemp)
	assert.InDelta(t, 80.12, f.Remaining, 1e-9)
	assert.InDelta(t, 100.0, f.FullCapacity, 1e-9)
	assert.Equal(t, [3]uint16{7, 8, 9}, f.Reserved)

	assert.Equal(t, uint32(3), f.BalanceMemory)
	assert.Equal(t, uint32(0b101), f.Balancing)
	assert.Equal(t, uint16(80), f.SOC)
	assert.Equal(t, uint32(100), f.SOH)
	assert.Equal(t, uint32(3), f.FullDischarges)
	assert.Equal(t, uint32(1390), f.DischargedAh)

	assert.True(t, f.ChargeEnabled())
	assert.True(t, f.DischargeEnabled())
	assert.True(t, f.BalanceActive())
	assert.True(t, f.CellBalancing(0))
	assert.False(t, f.CellBalancing(1))
	assert.True(t, f.CellBalancing(2))
}

func TestParseStatusSkipsEmptySlots(t *testing.T) {
	d := rawStatus()
	for i := 0; i < maxCells; i++ {
		binary.LittleEndian.PutUint16(d[16+2*i:], 0)
	}
	binary.LittleEndian.PutUint16(d[16:], 3300)
	binary.LittleEndian.PutUint16(d[16+2*2:], 3310)
	binary.LittleEndian.PutUint16(d[16+2*15:], 3320)

	f, err := ParseStatus(d)
	require.NoError(t, err)
	assert.Equal(t, 3, f.CellCount)
	assert.InDeltaSlice(t, []float64{3.300, 3.310, 3.320}, f.Cells, 1e-9)
}

func TestParseStatusNoCells(t *testing.T) {
	d := rawStatus()
	for i := 16; i < 48; i++ {
		d[i] = 0
	}
	f, err := ParseStatus(d)
	require.NoError(t, err)
	assert.Equal(t, 0, f.CellCount)
	assert.Empty(t, f.Cells)
}

func TestParseStatusTruncated(t *testing.T) {
	full := rawStatus()
	for _, n := range []int{0, 8, 47, 88, 90, StatusFrameLen - 1} {
		f, err := ParseStatus(full[:n])
		assert.Nil(t, f)

		var de *DecodeError
		require.True(t, errors.As(err, &de), "length %d", n)
		assert.Equal(t, n, de.Got)
		assert.Equal(t, StatusFrameLen, de.Want)
	}

	// Trailing bytes beyond the last field are ignored.
	long := append(rawStatus(), 0xDE, 0xAD)
	_, err := ParseStatus(long)
	assert.NoError(t, err)
}

func TestParseStatusDeterministic(t *testing.T) {
	d := rawStatus()
	a, err := ParseStatus(d)
	require.NoError(t, err)
	b, err := ParseStatus(d)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeStatusRoundTrip(t *testing.T) {
	want := &StatusFrame{
		TotalVoltage: 13.28,
		CellSum:      13.276,
		Cells:        []float64{3.319, 3.32, 3.318, 3.319},
		CellCount:    4,
		Current:      4.2,
		CellTemp:     -5,
		MosfetTemp:   12,
		AuxTemp:      -40,
		Remaining:    99.99,
		FullCapacity: 105,
		Heat:         0,
		Protection:   0x20,
		Balancing:    0b1000,
		BatteryState: 4,
		SOC:          95,
		SOH:          100,

		FullDischarges: 12,
		DischargedAh:   4321,
		Reserved:       [3]uint16{1, 2, 3},
	}

	got, err := ParseStatus(EncodeStatus(want))
	require.NoError(t, err)

	assert.InDelta(t, want.TotalVoltage, got.TotalVoltage, 1e-9)
	assert.InDelta(t, want.CellSum, got.CellSum, 1e-9)
	assert.InDeltaSlice(t, want.Cells, got.Cells, 1e-9)
	assert.Equal(t, want.CellCount, got.CellCount)
	assert.InDelta(t, want.Current, got.Current, 1e-9)
	assert.InDelta(t, want.Remaining, got.Remaining, 1e-9)
	assert.InDelta(t, want.FullCapacity, got.FullCapacity, 1e-9)
	assert.Equal(t, want.CellTemp, got.CellTemp)
	assert.Equal(t, want.AuxTemp, got.AuxTemp)
	assert.Equal(t, want.Protection, got.Protection)
	assert.Equal(t, want.Balancing, got.Balancing)
	assert.Equal(t, want.BatteryState, got.BatteryState)
	assert.Equal(t, want.SOC, got.SOC)
	assert.Equal(t, want.FullDischarges, got.FullDischarges)
	assert.Equal(t, want.DischargedAh, got.DischargedAh)
	assert.Equal(t, want.Reserved, got.Reserved)

	assert.False(t, got.ChargeEnabled())
	assert.False(t, got.DischargeEnabled())
	assert.True(t, got.CellBalancing(3))
}

func TestMOSFETFlags(t *testing.T) {
	tests := []struct {
		name          string
		state         uint16
		heat          uint32
		protection    uint32
		wantCharge    bool
		wantDischarge bool
	}{
		{"normal", 0, 0, 0, true, true},
		{"charge off", 4, 0, 0, false, true},
		{"heat cutoff", 0, 0x80, 0, true, false},
		{"short circuit", 0, 0, 0x20, true, false},
		{"discharge protection", 0, 0, 0x80, true, false},
		{"other protection", 0, 0, 0x04, true, true},
		{"other heat bits", 0, 0x02, 0, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &StatusFrame{BatteryState: tc.state, Heat: tc.heat, Protection: tc.protection}
			assert.Equal(t, tc.wantCharge, f.ChargeEnabled())
			assert.Equal(t, tc.wantDischarge, f.DischargeEnabled())
		})
	}
}
