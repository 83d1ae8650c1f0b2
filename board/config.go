// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import "time"

// Settings mirrors the per-board Parameter Store node of spec.md §6.
// It is populated by paramstore.Store.BoardSettings and consumed by
// Driver.ConfigureForAcquisition.
type Settings struct {
	Enable          bool
	HasZLEFirmware  bool
	AcqMode         int
	BoardConfig     uint32
	BufferOrg       int
	CustomSize      int
	PreTrigger      uint32
	PostTrigger     uint32
	ChannelMask     uint32
	TriggerSource   uint32
	TriggerOutput   uint32
	FPIOCtrl        uint32
	FPLVDSIOCtrl    uint32
	EnableZLE       bool
	AlmostFull      uint32
	SelfTrigThresh  []uint32 // per channel
	SelfTrigLogic   []uint32 // per pair
	ZLESignedThresh []int32  // per channel
	ZLEBinsBefore   []uint32 // per channel
	ZLEBinsAfter    []uint32 // per channel
	ZLEBaseline     []uint32 // per channel
	DAC             []uint32 // per channel
	DynamicRange2V  []bool   // per channel
	SWTrigRateHz    float64  // 0 disables self-pacing
}

// config holds constructor-time options for a Driver, following the
// teacher's functional-options idiom (eda/cfg.go, eda/standalone.go).
type config struct {
	msgPrefix        string
	calibDeadline    time.Duration
	dacSettleDelay   time.Duration
	pllRelockDelay   time.Duration
	expectedBoardID  uint32
	expectedROCRev   uint32
	expectedAMCRev   uint32
}

// Option configures a Driver at construction time.
type Option func(*config)

func newConfig() config {
	return config{
		msgPrefix:      "board",
		calibDeadline:  20 * time.Second, // spec.md §9 Open Question 1
		dacSettleDelay: 200 * time.Millisecond,
		pllRelockDelay: 100 * time.Millisecond,
	}
}

// WithMessagePrefix sets the log-message prefix used by a Driver.
func WithMessagePrefix(prefix string) Option {
	return func(c *config) { c.msgPrefix = prefix }
}

// WithCalibrationDeadline overrides the bounded per-channel ADC
// calibration wait (default 20s, spec.md §9 Open Question 1).
func WithCalibrationDeadline(d time.Duration) Option {
	return func(c *config) { c.calibDeadline = d }
}

// WithExpectedBoardID sets the board-type register value connect
// verifies against.
func WithExpectedBoardID(id uint32) Option {
	return func(c *config) { c.expectedBoardID = id }
}

// WithExpectedFirmwareRevisions sets the ROC/AMC revision constants
// configureForAcquisition's firmware check compares against.
func WithExpectedFirmwareRevisions(roc, amc uint32) Option {
	return func(c *config) {
		c.expectedROCRev = roc
		c.expectedAMCRev = amc
	}
}
