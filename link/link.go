// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link implements the Link Reader of spec.md §4.3: one
// CPU-pinned goroutine per optical link, polling every board on that
// link in daisy-chain order and draining ready events into their
// per-board ring buffers.
package link // import "github.com/go-wavedaq/frontend/link"

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/ringbuf"
)

// interBoardYield is the pause between polling successive boards on a
// link, to avoid bus saturation (spec.md §4.3 step 2).
const interBoardYield = time.Microsecond

// reserveTimeout bounds Ring.Reserve for one board pass (spec.md §4.3
// step 1c).
const reserveTimeout = 100 * time.Millisecond

// MaxEventBytes bounds a single event's raw byte size; ring buffers
// are sized against it via ringbuf.CapacityFor. Exported so the Run
// Controller sizes ring buffers with the same bound the reader uses
// to reserve slots.
const MaxEventBytes = 1 << 16

// BoardSlot pairs a Board Driver with the ring buffer its events are
// drained into.
type BoardSlot struct {
	Driver *board.Driver
	Ring   *ringbuf.Ring
}

// Reader is the Link Reader of spec.md §4.3: it owns a contiguous
// subslice of boards on one optical link (spec.md §9's fix for the
// original's per-thread static-iterator coupling — each reader owns
// its own boards, not a shared global index).
type Reader struct {
	linkIndex int
	cpuID     int
	boards    []BoardSlot
	msg       *log.Logger

	runActive  func() bool
	stopPending func() bool

	Err error // set when the goroutine exits with an error
}

// NewReader returns a Reader for linkIndex, owning boards, pinned to
// cpuID. runActive and stopPending are read once per pass, per
// spec.md §5's plain-boolean cancellation model.
func NewReader(linkIndex, cpuID int, boards []BoardSlot, runActive, stopPending func() bool) *Reader {
	return &Reader{
		linkIndex:   linkIndex,
		cpuID:       cpuID,
		boards:      boards,
		msg:         log.New(os.Stdout, fmt.Sprintf("link[%d]: ", linkIndex), 0),
		runActive:   runActive,
		stopPending: stopPending,
	}
}

// Run pins the calling goroutine's OS thread to r's configured CPU and
// executes the poll loop of spec.md §4.3 until runActive returns false.
// Run is meant to be launched as `go r.Run()`; it locks its own OS
// thread for its entire lifetime.
func (r *Reader) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinToCPU(r.cpuID); err != nil {
		r.msg.Printf("warning: could not pin to cpu %d: %+v", r.cpuID, err)
	}

	for r.runActive() {
		stopPending := r.stopPending()

		for i := range r.boards {
			slot := &r.boards[i]

			if !stopPending {
				if err := slot.Driver.MaybeSelfTrigger(time.Now()); err != nil {
					r.msg.Printf("board %d: could not issue self-trigger: %+v", slot.Driver.Identity().ModuleID, err)
				}
			}

			if slot.Ring.FillLevel() > int(float64(slot.Ring.Cap())*ringbuf.HighWater) {
				continue // step 1b: back off, ring nearly full
			}

			if stopPending {
				// keep readers alive for drain but stop admitting new
				// board reads (spec.md §4.6 Draining).
				continue
			}

			avail, err := slot.Driver.CheckEventAvailable()
			if err != nil {
				r.Err = fmt.Errorf("link[%d]: board %d: could not check event available: %w", r.linkIndex, slot.Driver.Identity().ModuleID, err)
				r.msg.Printf("%+v", r.Err)
				return
			}
			if !avail {
				continue
			}

			if err := r.drainOne(slot); err != nil {
				r.Err = err
				r.msg.Printf("%+v", err)
				return
			}
		}

		time.Sleep(interBoardYield)
	}
}

func (r *Reader) drainOne(slot *BoardSlot) error {
	buf, err := slot.Ring.Reserve(MaxEventBytes, reserveTimeout)
	if err != nil {
		return fmt.Errorf("link[%d]: board %d: could not reserve ring slot: %w", r.linkIndex, slot.Driver.Identity().ModuleID, err)
	}

	n, err := slot.Driver.ReadEvent(buf)
	if err != nil {
		return fmt.Errorf("link[%d]: board %d: could not read event: %w", r.linkIndex, slot.Driver.Identity().ModuleID, err)
	}

	slot.Ring.Commit(n)
	return nil
}
