// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package triggerbox_test

import (
	"testing"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	_ "go.nanomsg.org/mangos/v3/transport/inproc"

	"github.com/go-wavedaq/frontend/triggerbox"
)

func TestRecvDropsFirstRecord(t *testing.T) {
	const addr = "inproc://triggerbox-test-recv"

	pubSock, err := pub.NewSocket()
	if err != nil {
		t.Fatalf("could not create pub socket: %+v", err)
	}
	defer pubSock.Close()
	if err := pubSock.Listen(addr); err != nil {
		t.Fatalf("could not listen: %+v", err)
	}

	ctlListener, err := pull.NewSocket()
	if err != nil {
		t.Fatalf("could not create ctl listener socket: %+v", err)
	}
	defer ctlListener.Close()
	const ctlAddr = "inproc://triggerbox-test-ctl"
	if err := ctlListener.Listen(ctlAddr); err != nil {
		t.Fatalf("could not listen on ctl socket: %+v", err)
	}

	c := triggerbox.New(addr, ctlAddr)
	if err := c.Open(); err != nil {
		t.Fatalf("could not open client: %+v", err)
	}
	defer c.Close()

	// give the subscriber time to connect before publishing.
	time.Sleep(50 * time.Millisecond)

	junk := make([]byte, 16)
	junk[3*4+3] = 0xAA // arbitrary junk timestamp word
	if err := pubSock.Send(junk); err != nil {
		t.Fatalf("could not publish junk record: %+v", err)
	}

	real := make([]byte, 16)
	real[3*4] = 0x00
	real[3*4+1] = 0x01
	real[3*4+2] = 0x00
	real[3*4+3] = 0x00 // timestamp = 0x00010000
	if err := pubSock.Send(real); err != nil {
		t.Fatalf("could not publish real record: %+v", err)
	}

	got, err := c.Recv()
	if err != nil {
		t.Fatalf("could not receive record: %+v", err)
	}
	if got[3*4+1] != 0x01 {
		t.Fatalf("expected the first record to be dropped, got=%v", got)
	}
}

func TestRecvTimesOutWhenIdle(t *testing.T) {
	const addr = "inproc://triggerbox-test-idle"

	pubSock, err := pub.NewSocket()
	if err != nil {
		t.Fatalf("could not create pub socket: %+v", err)
	}
	defer pubSock.Close()
	if err := pubSock.Listen(addr); err != nil {
		t.Fatalf("could not listen: %+v", err)
	}

	ctlListener, err := pull.NewSocket()
	if err != nil {
		t.Fatalf("could not create ctl listener socket: %+v", err)
	}
	defer ctlListener.Close()
	const ctlAddr = "inproc://triggerbox-test-idle-ctl"
	if err := ctlListener.Listen(ctlAddr); err != nil {
		t.Fatalf("could not listen on ctl socket: %+v", err)
	}

	c := triggerbox.New(addr, ctlAddr)
	if err := c.Open(); err != nil {
		t.Fatalf("could not open client: %+v", err)
	}
	defer c.Close()

	if _, err := c.Recv(); err != triggerbox.ErrTimedOut {
		t.Fatalf("got=%+v, want=%+v", err, triggerbox.ErrTimedOut)
	}
}

var _ = mangos.ErrRecvTimeout
