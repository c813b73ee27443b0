package ble

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial is a Transport over a transparent BLE-to-UART module (HM-10 and
// clones) running in central role. The module bridges the peer's FFE1
// characteristic to its UART, so characteristic IDs are fixed by the module
// and writes are always acknowledged at the radio level.
//
// Notifications have no framing on the UART. A burst of bytes followed by
// a gap of line silence is delivered as one notification.
type Serial struct {
	portPath string
	baudRate int
	gap      time.Duration

	mu        sync.Mutex
	port      serial.Port
	connected bool
	readDone  chan struct{}
}

// SerialConfig holds connection configuration for the Serial transport.
type SerialConfig struct {
	PortPath string
	BaudRate int
	Gap      time.Duration
}

const (
	moduleConnTimeout = 10 * time.Second
	moduleLost        = "OK+LOST"
)

// NewSerial creates a Serial transport. The port is not opened until Connect.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // HM-10 factory default
	}
	if cfg.Gap <= 0 {
		cfg.Gap = 50 * time.Millisecond
	}
	return &Serial{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		gap:      cfg.Gap,
	}
}

// Connect opens the UART and asks the module to connect to address.
func (s *Serial) Connect(ctx context.Context, address string) error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(s.gap); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	port.ResetInputBuffer()

	mac := strings.ToUpper(strings.ReplaceAll(address, ":", ""))
	if _, err := port.Write([]byte("AT+CON" + mac)); err != nil {
		port.Close()
		return fmt.Errorf("serial: write AT+CON: %w", err)
	}

	deadline := time.Now().Add(moduleConnTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var resp []byte
	buf := make([]byte, 64)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil {
			port.Close()
			return fmt.Errorf("serial: read module reply: %w", err)
		}
		resp = append(resp, buf[:n]...)

		done, err := parseConnReply(string(resp))
		if err != nil {
			port.Close()
			return fmt.Errorf("serial: %s: %w", address, err)
		}
		if done {
			s.mu.Lock()
			s.port = port
			s.connected = true
			s.mu.Unlock()
			log.Printf("[serial] %s linked to %s at %d baud", s.portPath, address, s.baudRate)
			return nil
		}
	}

	port.Close()
	return fmt.Errorf("serial: module did not link to %s (reply %q)", address, resp)
}

// parseConnReply interprets the module's answer to AT+CON. OK+CONNA only
// acknowledges the command; the link is up once a bare OK+CONN follows.
func parseConnReply(resp string) (bool, error) {
	switch {
	case strings.Contains(resp, "OK+CONNF"):
		return false, fmt.Errorf("module reports connect failure")
	case strings.Contains(resp, "OK+CONNE"):
		return false, fmt.Errorf("module reports connect error")
	}
	rest := strings.ReplaceAll(resp, "OK+CONNA", "")
	return strings.Contains(rest, "OK+CONN"), nil
}

// Subscribe starts the reader. readChar is fixed by the module and ignored.
func (s *Serial) Subscribe(readChar string, onNotify func(buf []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrNotConnected
	}
	if s.readDone != nil {
		return fmt.Errorf("serial: already subscribed")
	}
	s.readDone = make(chan struct{})
	go s.readLoop(s.port, onNotify, s.readDone)
	return nil
}

func (s *Serial) readLoop(port serial.Port, onNotify func([]byte), done chan struct{}) {
	defer close(done)

	buf := make([]byte, 256)
	var burst []byte
	for {
		n, err := port.Read(buf)
		if err != nil {
			s.markLost()
			return
		}
		if n > 0 {
			burst = append(burst, buf[:n]...)
			continue
		}
		if len(burst) == 0 {
			continue
		}
		if bytes.Contains(burst, []byte(moduleLost)) {
			log.Printf("[serial] %s: module reports link lost", s.portPath)
			s.markLost()
			return
		}
		onNotify(burst)
		burst = nil
	}
}

func (s *Serial) markLost() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Serial) Write(writeChar string, data []byte, withResponse bool) error {
	s.mu.Lock()
	port, ok := s.port, s.connected
	s.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("serial: write failed: %w", err)
	}
	return nil
}

// Disconnect drops the peer link and closes the port.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port, done := s.port, s.readDone
	s.port, s.readDone, s.connected = nil, nil, false
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	// A bare AT while linked makes the module drop the peer.
	port.Write([]byte("AT"))
	err := port.Close()
	if done != nil {
		<-done
	}
	return err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
