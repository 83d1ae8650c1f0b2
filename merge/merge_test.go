// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package merge_test

import (
	"testing"
	"time"

	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	_ "go.nanomsg.org/mangos/v3/transport/inproc"

	"github.com/go-wavedaq/frontend/merge"
	"github.com/go-wavedaq/frontend/record"
	"github.com/go-wavedaq/frontend/ringbuf"
	"github.com/go-wavedaq/frontend/triggerbox"
)

func pushEvent(t *testing.T, r *ringbuf.Ring, ts uint32) {
	t.Helper()
	buf := make([]byte, 16)
	if err := record.EncodeHeader(buf, record.Header{Tag: record.HeaderTag, Length: 4, Timestamp: ts}); err != nil {
		t.Fatalf("could not encode header: %+v", err)
	}
	slot, err := r.Reserve(len(buf), time.Millisecond)
	if err != nil {
		t.Fatalf("could not reserve: %+v", err)
	}
	copy(slot, buf)
	r.Commit(len(buf))
}

// scenario 1: happy single-board, no trigger box.
func TestSingleBoardNoMerge(t *testing.T) {
	ring := ringbuf.New(4096)
	for _, ts := range []uint32{0x10, 0x30, 0x50} {
		pushEvent(t, ring, ts)
	}

	stage := merge.New(merge.Config{MergeAcrossBoards: false}, []merge.BoardSource{{ModuleID: 1, Ring: ring}}, nil)

	var got []uint32
	var evt record.MergedEvent
	for i := 0; i < 3; i++ {
		ok, err := stage.Poll(&evt)
		if err != nil {
			t.Fatalf("poll %d failed: %+v", i, err)
		}
		if !ok {
			t.Fatalf("poll %d: expected an event", i)
		}
		if len(evt.Subs) != 1 {
			t.Fatalf("poll %d: got %d subs, want 1", i, len(evt.Subs))
		}
		got = append(got, evt.Subs[0].Timestamp)
	}

	want := []uint32{0x10, 0x30, 0x50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d timestamp = 0x%x, want=0x%x", i, got[i], want[i])
		}
	}
}

// scenario 2: two-board lockstep merge.
func TestTwoBoardLockstepMerge(t *testing.T) {
	ringA := ringbuf.New(4096)
	ringB := ringbuf.New(4096)
	for _, ts := range []uint32{0x100, 0x200} {
		pushEvent(t, ringA, ts)
	}
	for _, ts := range []uint32{0x110, 0x205} {
		pushEvent(t, ringB, ts)
	}

	stage := merge.New(
		merge.Config{MergeAcrossBoards: true, TSMatchWindow: 50},
		[]merge.BoardSource{{ModuleID: 1, Ring: ringA}, {ModuleID: 2, Ring: ringB}},
		nil,
	)

	var evt record.MergedEvent
	for i := 0; i < 2; i++ {
		ok, err := stage.Poll(&evt)
		if err != nil {
			t.Fatalf("poll %d failed: %+v", i, err)
		}
		if !ok {
			t.Fatalf("poll %d: expected an event", i)
		}
		if len(evt.Subs) != 2 {
			t.Fatalf("poll %d: got %d subs, want 2", i, len(evt.Subs))
		}
	}

	if got, want := ringA.EventCount(), int64(0); got != want {
		t.Fatalf("ringA EventCount=%d, want=%d", got, want)
	}
	if got, want := ringB.EventCount(), int64(0); got != want {
		t.Fatalf("ringB EventCount=%d, want=%d", got, want)
	}
}

// scenario 3: rollover.
func TestRolloverMerge(t *testing.T) {
	ringA := ringbuf.New(4096)
	ringB := ringbuf.New(4096)
	pushEvent(t, ringA, 0x7FFFFFF0)
	pushEvent(t, ringB, 0x00000010)

	stage := merge.New(
		merge.Config{MergeAcrossBoards: true, TSMatchWindow: 50},
		[]merge.BoardSource{{ModuleID: 1, Ring: ringA}, {ModuleID: 2, Ring: ringB}},
		nil,
	)

	var evt record.MergedEvent
	ok, err := stage.Poll(&evt)
	if err != nil {
		t.Fatalf("poll failed: %+v", err)
	}
	if !ok {
		t.Fatalf("expected an event")
	}
	if len(evt.Subs) != 2 {
		t.Fatalf("got %d subs, want 2", len(evt.Subs))
	}
}

// scenario 4: partial merge disallowed.
func TestPartialMergeDisallowed(t *testing.T) {
	ringA := ringbuf.New(4096)
	ringB := ringbuf.New(4096)
	pushEvent(t, ringA, 0x1000)
	pushEvent(t, ringB, 0x2000)

	stage := merge.New(
		merge.Config{MergeAcrossBoards: true, TSMatchWindow: 50, AcceptPartialMerges: false},
		[]merge.BoardSource{{ModuleID: 1, Ring: ringA}, {ModuleID: 2, Ring: ringB}},
		nil,
	)

	var evt record.MergedEvent
	ok, err := stage.Poll(&evt)
	if err != nil {
		t.Fatalf("poll failed: %+v", err)
	}
	if ok {
		t.Fatalf("expected no event to be emitted")
	}
	if got, want := ringA.EventCount(), int64(1); got != want {
		t.Fatalf("ringA EventCount=%d, want=%d (events must not be consumed)", got, want)
	}
	if got, want := ringB.EventCount(), int64(1); got != want {
		t.Fatalf("ringB EventCount=%d, want=%d (events must not be consumed)", got, want)
	}
}

// scenario 5: trigger-box merge across boards must contribute exactly
// one trigger-box sub-record per emitted event (spec.md §8).
func TestTriggerBoxMergeAcrossBoardsAddsExactlyOneSub(t *testing.T) {
	const dataAddr = "inproc://merge-test-tbox-data"
	const ctlAddr = "inproc://merge-test-tbox-ctl"

	pubSock, err := pub.NewSocket()
	if err != nil {
		t.Fatalf("could not create pub socket: %+v", err)
	}
	defer pubSock.Close()
	if err := pubSock.Listen(dataAddr); err != nil {
		t.Fatalf("could not listen on data plane: %+v", err)
	}

	ctlListener, err := pull.NewSocket()
	if err != nil {
		t.Fatalf("could not create ctl listener socket: %+v", err)
	}
	defer ctlListener.Close()
	if err := ctlListener.Listen(ctlAddr); err != nil {
		t.Fatalf("could not listen on ctl socket: %+v", err)
	}

	tbox := triggerbox.New(dataAddr, ctlAddr)
	if err := tbox.Open(); err != nil {
		t.Fatalf("could not open trigger-box client: %+v", err)
	}
	defer tbox.Close()

	// give the subscriber time to connect before publishing.
	time.Sleep(50 * time.Millisecond)

	ringA := ringbuf.New(4096)
	ringB := ringbuf.New(4096)
	pushEvent(t, ringA, 0x100)
	pushEvent(t, ringB, 0x105)

	// Recv drops the first post-open record (spec.md §4.4); publish a
	// throwaway one ahead of the record the test actually asserts on.
	junk := make([]byte, 16)
	if err := pubSock.Send(junk); err != nil {
		t.Fatalf("could not publish junk trigger-box record: %+v", err)
	}
	tboxBuf := make([]byte, 16)
	if err := record.EncodeHeader(tboxBuf, record.Header{Tag: record.HeaderTag, Timestamp: 0x100}); err != nil {
		t.Fatalf("could not encode trigger-box record: %+v", err)
	}
	if err := pubSock.Send(tboxBuf); err != nil {
		t.Fatalf("could not publish trigger-box record: %+v", err)
	}

	stage := merge.New(
		merge.Config{MergeAcrossBoards: true, UseTriggerBox: true, TSMatchWindow: 50},
		[]merge.BoardSource{{ModuleID: 1, Ring: ringA}, {ModuleID: 2, Ring: ringB}},
		tbox,
	)

	var evt record.MergedEvent
	ok, err := stage.Poll(&evt)
	if err != nil {
		t.Fatalf("poll failed: %+v", err)
	}
	if !ok {
		t.Fatalf("expected an event")
	}

	nTbox := 0
	for _, s := range evt.Subs {
		if s.Name == "chronobox" {
			nTbox++
		}
	}
	if nTbox != 1 {
		t.Fatalf("got %d trigger-box sub-records, want 1 (subs=%+v)", nTbox, evt.Subs)
	}
	if got, want := evt.NumBoardSubs(), 2; got != want {
		t.Fatalf("got %d board sub-records, want %d", got, want)
	}
}
