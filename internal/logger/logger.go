package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/litime-dash/internal/bms"
)

// Logger records timestamped battery telemetry to CSV files with automatic
// rotation. Each row carries the raw status codes and unidentified fields
// alongside the published values, for working out the protocol.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
}

const (
	maxRowsPerFile = 50_000 // ~28 hrs at the default 2 s poll
)

var csvHeader = []string{
	"timestamp", "voltage_v", "cell_sum_v", "current_a", "sensor_a", "sensor_avg_a",
	"derived_a", "current_source", "estimator_phase", "soc_pct", "soh_pct",
	"remaining_ah", "capacity_ah", "cell_temp_c", "mos_temp_c", "aux_temp_c",
	"charge_fet", "discharge_fet", "balancing", "battery_state", "heat",
	"balance_memory", "protection", "failure", "reserved1", "reserved2", "reserved3",
	"full_discharges", "discharged_ah", "cells",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/bmsdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a telemetry snapshot if the minimum interval has elapsed.
// Snapshots without a decoded status frame are skipped.
func (l *Logger) Record(t bms.Telemetry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || t.Status == nil {
		return
	}

	now := t.Updated
	if now.IsZero() {
		now = time.Now()
	}
	if !l.lastTs.IsZero() && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, t)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("charge_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, t bms.Telemetry) []string {
	s := t.Status
	e := t.Estimate

	cells := ""
	for i, v := range s.Cells {
		if i > 0 {
			cells += ";"
		}
		cells += fmt.Sprintf("%.3f", v)
	}

	return []string{
		ts.Format(time.RFC3339Nano),
		fmt.Sprintf("%.3f", t.Voltage),
		fmt.Sprintf("%.3f", s.CellSum),
		fmt.Sprintf("%.3f", t.Current),
		fmt.Sprintf("%.3f", s.Current),
		fmt.Sprintf("%.3f", e.Average),
		fmt.Sprintf("%.3f", e.Derived),
		e.Source.String(),
		e.Phase.String(),
		fmt.Sprintf("%.0f", t.SOC),
		fmt.Sprintf("%.0f", t.SOH),
		fmt.Sprintf("%.2f", t.CapacityRemaining),
		fmt.Sprintf("%.2f", t.Capacity),
		fmt.Sprintf("%d", s.CellTemp),
		fmt.Sprintf("%d", s.MosfetTemp),
		fmt.Sprintf("%d", s.AuxTemp),
		boolStr(t.ChargeFET),
		boolStr(t.DischargeFET),
		fmt.Sprintf("%b", s.Balancing),
		strconv.Itoa(int(s.BatteryState)),
		fmt.Sprintf("0x%X", s.Heat),
		strconv.FormatUint(uint64(s.BalanceMemory), 10),
		fmt.Sprintf("0x%X", s.Protection),
		fmt.Sprintf("0x%X", s.Failure),
		strconv.Itoa(int(s.Reserved[0])),
		strconv.Itoa(int(s.Reserved[1])),
		strconv.Itoa(int(s.Reserved[2])),
		strconv.Itoa(t.FullDischarges),
		fmt.Sprintf("%.0f", t.TotalAhDrawn),
		cells,
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
