// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board implements the Board Driver of spec.md §4.1: per-board
// register I/O, configuration push, calibration, and readout of one
// hardware event into a raw byte buffer.
package board // import "github.com/go-wavedaq/frontend/board"

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-wavedaq/frontend/transport"
)

// State is one of the four states a Board may be in (spec.md §3).
type State int

const (
	Disconnected State = iota
	ConnectedIdle
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectedIdle:
		return "connected-idle"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Identity uniquely names a board within the frontend process.
type Identity struct {
	FrontendIndex int
	LinkIndex     int
	BoardIndex    int
	ModuleID      uint32
}

// Driver is the Board Driver of spec.md §4.1. A Driver is owned
// exclusively by the Link Reader bound to its link while a run is
// active, and by the Run Controller otherwise (spec.md §3).
type Driver struct {
	cfg config
	msg *log.Logger

	id Identity
	tr transport.Transport
	h  transport.Handle

	state         int32 // atomic State
	settingsVer   uint64
	swTrigRateHz  float64
	lastSWTrigger time.Time

	settings Settings
}

// New returns a Driver for the given identity, talking to tr.
func New(id Identity, tr transport.Transport, opts ...Option) *Driver {
	c := newConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return &Driver{
		cfg:   c,
		msg:   log.New(os.Stdout, fmt.Sprintf("%s[%d]: ", c.msgPrefix, id.ModuleID), 0),
		id:    id,
		tr:    tr,
		state: int32(Disconnected),
	}
}

// State returns the Driver's current state.
func (d *Driver) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Driver) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

// ConnectResult enumerates connect's possible outcomes (spec.md §4.1).
type ConnectResult int

const (
	ConnectOk ConnectResult = iota
	ConnectAlreadyConnected
	ConnectTimeout
	ConnectTransportError
	ConnectBoardMismatch
)

// Connect opens the underlying transport, retrying up to attempts
// times with perAttemptTimeout each, and verifies the board-type
// register. Connect never blocks indefinitely: the transport open
// runs under a context with perAttemptTimeout as its deadline.
func (d *Driver) Connect(ctx context.Context, attempts int, perAttemptTimeout time.Duration) (ConnectResult, error) {
	if d.State() != Disconnected {
		return ConnectAlreadyConnected, nil
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		h, err := d.tr.Open(attemptCtx, d.id.LinkIndex, d.id.BoardIndex)
		cancel()
		if err != nil {
			if attemptCtx.Err() != nil {
				lastErr = fmt.Errorf("board: connect attempt %d timed out: %w", attempt, err)
				continue
			}
			return ConnectTransportError, fmt.Errorf("board: could not open transport: %w", err)
		}
		d.h = h
		break
	}
	if d.h == nil {
		return ConnectTimeout, lastErr
	}

	if d.cfg.expectedBoardID != 0 {
		got, err := d.tr.Read32(d.h, regBoardID)
		if err != nil {
			return ConnectTransportError, fmt.Errorf("board: could not read board-id register: %w", err)
		}
		if got != d.cfg.expectedBoardID {
			_ = d.tr.Close(d.h)
			d.h = nil
			return ConnectBoardMismatch, fmt.Errorf(
				"board: board-id mismatch (got=0x%x, want=0x%x)", got, d.cfg.expectedBoardID,
			)
		}
	}

	d.setState(ConnectedIdle)
	return ConnectOk, nil
}

// Disconnect closes the underlying transport and returns the Driver
// to Disconnected.
func (d *Driver) Disconnect() error {
	if d.h == nil {
		return nil
	}
	err := d.tr.Close(d.h)
	d.h = nil
	d.setState(Disconnected)
	return err
}

// ReadRegister reads one 32-bit register.
func (d *Driver) ReadRegister(addr uint32) (uint32, error) {
	return d.tr.Read32(d.h, addr)
}

// WriteRegister writes one 32-bit register.
func (d *Driver) WriteRegister(addr uint32, v uint32) error {
	return d.tr.Write32(d.h, addr, v)
}

// IssueSoftwareTrigger writes the software-trigger register.
func (d *Driver) IssueSoftwareTrigger() error {
	d.lastSWTrigger = time.Now()
	return d.WriteRegister(regSWTrigger, 1)
}

// MaybeSelfTrigger issues a software trigger if the board is
// self-pacing and its configured interval has elapsed (spec.md §4.3
// step 1a).
func (d *Driver) MaybeSelfTrigger(now time.Time) error {
	if d.settings.SWTrigRateHz <= 0 {
		return nil
	}
	period := time.Duration(float64(time.Second) / d.settings.SWTrigRateHz)
	if now.Sub(d.lastSWTrigger) < period {
		return nil
	}
	return d.IssueSoftwareTrigger()
}

// CheckEventAvailable reports whether the board has at least one
// stored event ready for readout.
func (d *Driver) CheckEventAvailable() (bool, error) {
	n, err := d.PollStoredEvents()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PollStoredEvents returns the board's stored-event count.
func (d *Driver) PollStoredEvents() (int, error) {
	v, err := d.tr.Read32(d.h, regEventStored)
	if err != nil {
		return 0, fmt.Errorf("board: could not read event-stored register: %w", err)
	}
	return int(v), nil
}

// Start arms the board for acquisition.
func (d *Driver) Start() error {
	if err := d.WriteRegister(regAcquisitionCtrl, 1); err != nil {
		return fmt.Errorf("board: could not start acquisition: %w", err)
	}
	d.setState(Running)
	return nil
}

// Stop disarms the board.
func (d *Driver) Stop() error {
	if err := d.WriteRegister(regAcquisitionCtrl, 0); err != nil {
		return fmt.Errorf("board: could not stop acquisition: %w", err)
	}
	d.setState(ConnectedIdle)
	return nil
}

// Identity returns the board's identity.
func (d *Driver) Identity() Identity { return d.id }

// CurrentSettings returns the Settings last applied by
// ConfigureForAcquisition, together with the settings-version counter
// touched whenever configuration changes (spec.md §3).
func (d *Driver) CurrentSettings() (Settings, uint64) {
	return d.settings, d.settingsVer
}

// Health is one board's sample for the Periodic Monitor (spec.md §4.7).
type Health struct {
	StoredCount int
	AlmostFull  uint32
	PLLLocked   bool
}

// SampleHealth reads the registers the Periodic Monitor needs once
// per second: stored-event count, almost-full watermark and the
// PLL-lock bit of the acquisition-status register.
func (d *Driver) SampleHealth() (Health, error) {
	stored, err := d.PollStoredEvents()
	if err != nil {
		return Health{}, fmt.Errorf("board: could not sample stored-event count: %w", err)
	}
	almostFull, err := d.ReadRegister(regAlmostFullLevel)
	if err != nil {
		return Health{}, fmt.Errorf("board: could not sample almost-full level: %w", err)
	}
	status, err := d.ReadRegister(regAcquisitionStatus)
	if err != nil {
		return Health{}, fmt.Errorf("board: could not sample acquisition status: %w", err)
	}
	return Health{
		StoredCount: stored,
		AlmostFull:  almostFull,
		PLLLocked:   status&statusPLLLocked != 0,
	}, nil
}
