package ble

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// scriptedPort replays canned reads. An empty entry is a read timeout; once
// the script runs out every read fails with io.EOF.
type scriptedPort struct {
	mu      sync.Mutex
	reads   [][]byte
	written [][]byte
	closed  bool
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.reads) == 0 {
		return 0, io.EOF
	}
	next := p.reads[0]
	p.reads = p.reads[1:]
	return copy(buf, next), nil
}

func (p *scriptedPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), data...))
	return len(data), nil
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) SetMode(*serial.Mode) error { return nil }
func (p *scriptedPort) Drain() error { return nil }
func (p *scriptedPort) ResetInputBuffer() error { return nil }
func (p *scriptedPort) ResetOutputBuffer() error { return nil }
func (p *scriptedPort) SetDTR(bool) error { return nil }
func (p *scriptedPort) SetRTS(bool) error { return nil }
func (p *scriptedPort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return &serial.ModemStatusBits{}, nil }
func (p *scriptedPort) SetReadTimeout(time.Duration) error { return nil }
func (p *scriptedPort) Break(time.Duration) error { return nil }

func connectedSerial(port serial.Port) *Serial {
	s := NewSerial(SerialConfig{PortPath: "/dev/ttyTEST"})
	s.port = port
	s.connected = true
	return s
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

func TestParseConnReply(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		done    bool
		wantErr bool
	}{
		{"empty", "", false, false},
		{"ack only", "OK+CONNA", false, false},
		{"partial", "OK+CONNAOK+CO", false, false},
		{"linked", "OK+CONNAOK+CONN", true, false},
		{"linked without ack", "OK+CONN", true, false},
		{"failed", "OK+CONNAOK+CONNF", false, true},
		{"error", "OK+CONNE", false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			done, err := parseConnReply(tc.resp)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.done, done)
		})
	}
}

func TestSerialDefaults(t *testing.T) {
	s := NewSerial(SerialConfig{PortPath: "/dev/ttyUSB0"})
	assert.Equal(t, 9600, s.baudRate)
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Disconnect())
	assert.ErrorIs(t, s.Write("", []byte{0x01}, true), ErrNotConnected)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func TestReadLoopSplitsOnSilence(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{
		{1, 2}, {3}, {}, {}, {4, 5}, {}, []byte("OK+LOST"), {},
	}}
	s := connectedSerial(port)

	var got [][]byte
	done := make(chan struct{})
	go s.readLoop(port, func(buf []byte) { got = append(got, buf) }, done)
	waitDone(t, done)

	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5}}, got)
	assert.False(t, s.IsConnected())
}

func TestReadLoopDropsLinkOnReadError(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{{0xAA}}}
	s := connectedSerial(port)

	var got [][]byte
	done := make(chan struct{})
	go s.readLoop(port, func(buf []byte) { got = append(got, buf) }, done)
	waitDone(t, done)

	// A burst cut off by the error is not delivered.
	assert.Empty(t, got)
	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Write("", []byte{0x01}, true), ErrNotConnected)
}

func TestSerialSubscribeAndDisconnect(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{{7, 8}, {}}}
	s := connectedSerial(port)

	notes := make(chan []byte, 1)
	require.NoError(t, s.Subscribe("", func(buf []byte) { notes <- buf }))
	assert.Error(t, s.Subscribe("", func([]byte) {}))

	select {
	case buf := <-notes:
		assert.Equal(t, []byte{7, 8}, buf)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
	assert.True(t, port.closed)
	require.NotEmpty(t, port.written)
	assert.Equal(t, []byte("AT"), port.written[len(port.written)-1])
	assert.ErrorIs(t, s.Subscribe("", nil), ErrNotConnected)
}
