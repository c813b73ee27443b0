package ble

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGo is a Transport backed by the host Bluetooth stack through
// tinygo.org/x/bluetooth (BlueZ on Linux).
type TinyGo struct {
	adapter *bluetooth.Adapter

	mu         sync.Mutex
	address    string
	device     bluetooth.Device
	haveDevice bool
	connected  bool
	chars      map[string]bluetooth.DeviceCharacteristic
}

// NewTinyGo enables adapter (bluetooth.DefaultAdapter when nil) and returns a
// transport using it.
//
// The adapter has a single connect handler, so only one TinyGo should exist
// per adapter.
func NewTinyGo(adapter *bluetooth.Adapter) (*TinyGo, error) {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	t := &TinyGo{
		adapter: adapter,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
	adapter.SetConnectHandler(t.connectHandler)
	return t, nil
}

func (t *TinyGo) connectHandler(device bluetooth.Device, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !strings.EqualFold(device.Address.String(), t.address) {
		return
	}
	if !connected && t.connected {
		log.Printf("[ble] %s disconnected", t.address)
		t.connected = false
	}
}

// Connect resolves address with a bounded scan, connects, and indexes every
// characteristic the peer exposes.
func (t *TinyGo) Connect(ctx context.Context, address string) error {
	result, err := t.find(ctx, address)
	if err != nil {
		return err
	}

	device, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble: connect %s: %w", address, err)
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		if derr := device.Disconnect(); derr != nil {
			log.Printf("[ble] %s: disconnect: %v", address, derr)
		}
		return fmt.Errorf("ble: discover services on %s: %w", address, err)
	}

	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range services {
		cs, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			log.Printf("[ble] discover characteristics in %s: %v", svc.UUID().String(), err)
			continue
		}
		for _, c := range cs {
			chars[c.UUID().String()] = c
		}
	}
	log.Printf("[ble] %s: %d services, %d characteristics", address, len(services), len(chars))

	t.mu.Lock()
	t.address = address
	t.device = device
	t.haveDevice = true
	t.connected = true
	t.chars = chars
	t.mu.Unlock()
	return nil
}

// find scans until address is advertised or ctx is done.
func (t *TinyGo) find(ctx context.Context, address string) (bluetooth.ScanResult, error) {
	var (
		mu     sync.Mutex
		result bluetooth.ScanResult
		found  bool
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.adapter.StopScan()
		case <-stop:
		}
	}()

	err := t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !strings.EqualFold(r.Address.String(), address) {
			return
		}
		mu.Lock()
		result, found = r, true
		mu.Unlock()
		a.StopScan()
	})
	if err != nil {
		return result, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !found {
		return result, fmt.Errorf("ble: %s not advertising: %w", address, ctx.Err())
	}
	return result, nil
}

func (t *TinyGo) characteristic(id string) (bluetooth.DeviceCharacteristic, error) {
	uuid, err := bluetooth.ParseUUID(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: bad characteristic %q: %w", id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return bluetooth.DeviceCharacteristic{}, ErrNotConnected
	}
	c, ok := t.chars[uuid.String()]
	if !ok {
		return c, fmt.Errorf("ble: characteristic %s not found on %s", uuid.String(), t.address)
	}
	return c, nil
}

func (t *TinyGo) Subscribe(readChar string, onNotify func(buf []byte)) error {
	c, err := t.characteristic(readChar)
	if err != nil {
		return err
	}
	return c.EnableNotifications(onNotify)
}

func (t *TinyGo) Write(writeChar string, data []byte, withResponse bool) error {
	c, err := t.characteristic(writeChar)
	if err != nil {
		return err
	}
	if withResponse {
		_, err = c.Write(data)
	} else {
		_, err = c.WriteWithoutResponse(data)
	}
	if err != nil {
		// BlueZ reports a dropped link as a failed write before the
		// connect handler fires.
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}
	return err
}

func (t *TinyGo) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.chars = make(map[string]bluetooth.DeviceCharacteristic)
	device, have := t.device, t.haveDevice
	t.haveDevice = false
	t.mu.Unlock()

	if !have {
		return nil
	}
	return device.Disconnect()
}

func (t *TinyGo) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
