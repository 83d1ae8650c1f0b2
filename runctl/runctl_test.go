// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runctl_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/paramstore"
	"github.com/go-wavedaq/frontend/runctl"
	"github.com/go-wavedaq/frontend/sink"
	"github.com/go-wavedaq/frontend/transport"
)

type fakeStore struct {
	board board.Settings
	proc  paramstore.ProcessSettings
}

func (s *fakeStore) BoardSettings(ctx context.Context, moduleID uint32) (board.Settings, error) {
	return s.board, nil
}

func (s *fakeStore) ProcessSettings(ctx context.Context) (paramstore.ProcessSettings, error) {
	return s.proc, nil
}

func newTestBoard(t *testing.T, moduleID uint32) (*board.Driver, *transport.Fake) {
	t.Helper()
	tr := transport.NewFake()
	tr.SetReg(0x1088, 1)     // channel-0 calibration done
	tr.SetReg(0x8104, 1<<7)  // PLL locked

	id := board.Identity{ModuleID: moduleID}
	d := board.New(id, tr, board.WithCalibrationDeadline(50*time.Millisecond))
	if _, err := d.Connect(context.Background(), 1, 10*time.Millisecond); err != nil {
		t.Fatalf("could not connect board: %+v", err)
	}
	return d, tr
}

func TestBeginRunPollStopRun(t *testing.T) {
	dir := t.TempDir()

	drv, _ := newTestBoard(t, 7)

	store := &fakeStore{
		board: board.Settings{ChannelMask: 0x1, DAC: []uint32{0x1000}},
		proc:  paramstore.ProcessSettings{MergeDataFromBoards: false},
	}

	snk := new(sink.Discard)

	links := []runctl.LinkSpec{
		{LinkIndex: 0, CPUID: 1, Boards: []runctl.BoardSpec{{ModuleID: 7, Driver: drv}}},
	}

	ctl := runctl.New(runctl.Config{SettingsDir: dir}, store, links, nil, snk)

	if got, want := ctl.State(), runctl.Idle; got != want {
		t.Fatalf("initial state=%v, want=%v", got, want)
	}

	if err := ctl.BeginRun(context.Background(), 1); err != nil {
		t.Fatalf("could not begin run: %+v", err)
	}
	if got, want := ctl.State(), runctl.Running; got != want {
		t.Fatalf("state after BeginRun=%v, want=%v", got, want)
	}
	if got, want := drv.State(), board.Running; got != want {
		t.Fatalf("board state after BeginRun=%v, want=%v", got, want)
	}

	for i := 0; i < 5; i++ {
		if err := ctl.Poll(); err != nil {
			t.Fatalf("poll %d failed: %+v", i, err)
		}
	}

	if err := ctl.StopRun(context.Background()); err != nil {
		t.Fatalf("could not stop run: %+v", err)
	}
	if got, want := ctl.State(), runctl.Idle; got != want {
		t.Fatalf("state after StopRun=%v, want=%v", got, want)
	}
	if got, want := drv.State(), board.ConnectedIdle; got != want {
		t.Fatalf("board state after StopRun=%v, want=%v", got, want)
	}
}

func TestBeginRunRejectsFromNonIdle(t *testing.T) {
	drv, _ := newTestBoard(t, 7)

	store := &fakeStore{board: board.Settings{ChannelMask: 0x1, DAC: []uint32{0x1000}}}
	links := []runctl.LinkSpec{
		{LinkIndex: 0, CPUID: 1, Boards: []runctl.BoardSpec{{ModuleID: 7, Driver: drv}}},
	}
	ctl := runctl.New(runctl.Config{SettingsDir: t.TempDir()}, store, links, nil, new(sink.Discard))

	if err := ctl.BeginRun(context.Background(), 1); err != nil {
		t.Fatalf("could not begin run: %+v", err)
	}
	if err := ctl.BeginRun(context.Background(), 2); err == nil {
		t.Fatalf("expected an error beginning a run while already running")
	}
}

func TestPauseResumeRun(t *testing.T) {
	drv, _ := newTestBoard(t, 7)

	store := &fakeStore{board: board.Settings{ChannelMask: 0x1, DAC: []uint32{0x1000}}}
	links := []runctl.LinkSpec{
		{LinkIndex: 0, CPUID: 1, Boards: []runctl.BoardSpec{{ModuleID: 7, Driver: drv}}},
	}
	ctl := runctl.New(runctl.Config{SettingsDir: t.TempDir()}, store, links, nil, new(sink.Discard))

	if err := ctl.BeginRun(context.Background(), 1); err != nil {
		t.Fatalf("could not begin run: %+v", err)
	}
	if err := ctl.PauseRun(context.Background()); err != nil {
		t.Fatalf("could not pause run: %+v", err)
	}
	if got, want := ctl.State(), runctl.Paused; got != want {
		t.Fatalf("state after PauseRun=%v, want=%v", got, want)
	}
	if err := ctl.ResumeRun(context.Background()); err != nil {
		t.Fatalf("could not resume run: %+v", err)
	}
	if got, want := ctl.State(), runctl.Running; got != want {
		t.Fatalf("state after ResumeRun=%v, want=%v", got, want)
	}
	if err := ctl.StopRun(context.Background()); err != nil {
		t.Fatalf("could not stop run: %+v", err)
	}
}
