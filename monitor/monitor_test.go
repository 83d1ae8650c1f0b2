// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/monitor"
	"github.com/go-wavedaq/frontend/transport"
)

func newHealthyBoard(t *testing.T, moduleID uint32) *board.Driver {
	t.Helper()
	tr := transport.NewFake()
	tr.SetReg(0x8104, 1<<7) // PLL locked
	d := board.New(board.Identity{ModuleID: moduleID}, tr, board.WithCalibrationDeadline(10*time.Millisecond))
	if _, err := d.Connect(context.Background(), 1, 10*time.Millisecond); err != nil {
		t.Fatalf("could not connect board: %+v", err)
	}
	return d
}

type fakeRing struct{ level int }

func (r fakeRing) FillLevel() int { return r.level }

func TestSampleOnceReportsHealthAndBusy(t *testing.T) {
	drv := newHealthyBoard(t, 1)

	m := monitor.New([]monitor.BoardSource{
		{ModuleID: 1, Driver: drv, Ring: fakeRing{level: 128}},
	}, monitor.MailConfig{})

	samples, err := m.SampleOnce()
	if err != nil {
		t.Fatalf("SampleOnce: %+v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	s := samples[0]
	if !s.PLLLocked {
		t.Fatalf("expected PLL locked")
	}
	if s.RingLevel != 128 {
		t.Fatalf("ring level=%d, want=128", s.RingLevel)
	}
	if s.Busy {
		t.Fatalf("expected board not busy at stored=0")
	}
}

func TestSampleOnceLatchesPLLLossAlarm(t *testing.T) {
	tr := transport.NewFake() // PLL bit left unset -> unlocked
	drv := board.New(board.Identity{ModuleID: 2}, tr, board.WithCalibrationDeadline(10*time.Millisecond))
	if _, err := drv.Connect(context.Background(), 1, 10*time.Millisecond); err != nil {
		t.Fatalf("could not connect board: %+v", err)
	}

	m := monitor.New([]monitor.BoardSource{{ModuleID: 2, Driver: drv}}, monitor.MailConfig{})

	samples, err := m.SampleOnce()
	if err != nil {
		t.Fatalf("SampleOnce: %+v", err)
	}
	if samples[0].PLLLocked {
		t.Fatalf("expected PLL unlocked")
	}

	// re-arm: a fully-locked read clears the latch again.
	tr.SetReg(0x8104, 1<<7)
	if _, err := m.SampleOnce(); err != nil {
		t.Fatalf("SampleOnce (relocked): %+v", err)
	}
}

func TestRunPublishesHealthSamples(t *testing.T) {
	drv := newHealthyBoard(t, 1)

	m := monitor.New([]monitor.BoardSource{
		{ModuleID: 1, Driver: drv, Ring: fakeRing{level: 64}},
	}, monitor.MailConfig{})

	stop := make(chan struct{})
	go m.Run(stop)
	defer close(stop)

	select {
	case samples := <-m.Health():
		if len(samples) != 1 || samples[0].ModuleID != 1 {
			t.Fatalf("got samples=%+v, want one sample for module 1", samples)
		}
	case <-time.After(2 * monitor.SampleInterval):
		t.Fatalf("Run did not publish a health sample within two intervals")
	}
}
