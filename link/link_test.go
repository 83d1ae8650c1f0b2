// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/link"
	"github.com/go-wavedaq/frontend/ringbuf"
	"github.com/go-wavedaq/frontend/transport"
)

func TestReaderDrainsOneEvent(t *testing.T) {
	tr := transport.NewFake()
	drv := board.New(board.Identity{ModuleID: 1}, tr)
	if _, err := drv.Connect(context.Background(), 1, 10*time.Millisecond); err != nil {
		t.Fatalf("could not connect: %+v", err)
	}

	tr.SetReg(0x812C, 1) // event stored
	tr.SetReg(0x814C, 1) // event size, stays non-zero; reads end on an empty block
	tr.QueueBlock(0x0000, []byte{0xA0, 0, 0, 20, 0, 0, 0, 0x30})

	ring := ringbuf.New(ringbuf.CapacityFor(4096))

	var runActive int32 = 1
	r := link.NewReader(0, 0, []link.BoardSlot{{Driver: drv, Ring: ring}},
		func() bool { return atomic.LoadInt32(&runActive) == 1 },
		func() bool { return false },
	)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	deadline := time.After(time.Second)
	for ring.EventCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for an event to be drained")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	atomic.StoreInt32(&runActive, 0)
	<-done

	if r.Err != nil {
		t.Fatalf("reader exited with error: %+v", r.Err)
	}
	if ring.EventCount() < 1 {
		t.Fatalf("EventCount()=%d, want >=1", ring.EventCount())
	}
}
