package ble

import "errors"

var (
	// ErrStartupTimeout means the background goroutine never reported it was running.
	ErrStartupTimeout = errors.New("ble: background loop did not start in time")
	// ErrConnectionTimeout means no connection attempt finished within the init window.
	ErrConnectionTimeout = errors.New("ble: connection not established in time")
	// ErrNotConnected is returned by Exchange when there is no live connection.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrExchangeTimeout is returned by Exchange when no reply arrived in time.
	ErrExchangeTimeout = errors.New("ble: no reply before timeout")
	// ErrBusy is returned by Exchange while another exchange holds the request slot.
	ErrBusy = errors.New("ble: exchange already in progress")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("ble: bridge already started")
)
