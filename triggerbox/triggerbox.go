// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package triggerbox implements the Trigger-Box Client of spec.md
// §4.4: a non-blocking subscribe socket receiving one record per
// physical trigger from the external trigger-distribution box
// ("chronobox"), plus the control-plane start/stop commands the Run
// Controller issues out-of-band. This is the Go-native analogue of
// the ZeroMQ PUB/SUB client the box was distilled from
// (original_source/feoV1725.cxx, original_source/zmq/hwsub.c),
// implemented over go.nanomsg.org/mangos/v3, the pub/sub library
// already present (indirectly) in the teacher's own dependency graph.
package triggerbox // import "github.com/go-wavedaq/frontend/triggerbox"

import (
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

// RecvBudget bounds the total time Recv spends retrying per merged
// event (spec.md §4.4: "up to 100 ms of 1 ms waits").
const RecvBudget = 100 * time.Millisecond

// RecvStep is the sleep between retries within RecvBudget.
const RecvStep = time.Millisecond

// Client is the Trigger-Box Client's data-plane and control-plane
// handle.
type Client struct {
	dataAddr string
	ctlAddr  string

	sub mangos.Socket
	ctl mangos.Socket

	firstDropped bool
}

// New returns a Client that will subscribe to dataAddr for the data
// plane and dial ctlAddr for the start/stop control plane.
func New(dataAddr, ctlAddr string) *Client {
	return &Client{dataAddr: dataAddr, ctlAddr: ctlAddr}
}

// Open establishes both sockets.
func (c *Client) Open() error {
	s, err := sub.NewSocket()
	if err != nil {
		return fmt.Errorf("triggerbox: could not create sub socket: %w", err)
	}
	if err := s.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		return fmt.Errorf("triggerbox: could not subscribe to all topics: %w", err)
	}
	if err := s.SetOption(mangos.OptionRecvDeadline, RecvStep); err != nil {
		return fmt.Errorf("triggerbox: could not set recv deadline: %w", err)
	}
	if err := s.Dial(c.dataAddr); err != nil {
		return fmt.Errorf("triggerbox: could not dial data plane %q: %w", c.dataAddr, err)
	}
	c.sub = s

	ctl, err := push.NewSocket()
	if err != nil {
		return fmt.Errorf("triggerbox: could not create control socket: %w", err)
	}
	if err := ctl.Dial(c.ctlAddr); err != nil {
		return fmt.Errorf("triggerbox: could not dial control plane %q: %w", c.ctlAddr, err)
	}
	c.ctl = ctl

	c.firstDropped = false
	return nil
}

// Close releases both sockets.
func (c *Client) Close() error {
	var err error
	if c.sub != nil {
		if e := c.sub.Close(); e != nil {
			err = e
		}
	}
	if c.ctl != nil {
		if e := c.ctl.Close(); e != nil {
			err = e
		}
	}
	return err
}

// Start sends the box "start" command (spec.md §6 Control Plane) and
// re-arms the drop of the first record Recv receives afterwards.
func (c *Client) Start() error {
	c.firstDropped = false
	return c.ctl.Send([]byte("start"))
}

// Stop sends the box "stop" command.
func (c *Client) Stop() error {
	return c.ctl.Send([]byte("stop"))
}

// Recv receives one Trigger-Box Record, dropping the first record
// received after Open or Start (the transport's buffered prior message,
// spec.md §4.4 / §8 scenario 5) and retrying non-blocking receives
// for up to RecvBudget. It returns ErrTimedOut if no record arrives
// within the budget.
func (c *Client) Recv() ([]byte, error) {
	if !c.firstDropped {
		if _, err := c.recvNonBlocking(RecvBudget); err == nil {
			c.firstDropped = true
		} else if err != ErrTimedOut {
			return nil, err
		} else {
			c.firstDropped = true // nothing was ever published; don't keep dropping forever
		}
	}

	return c.recvNonBlocking(RecvBudget)
}

// ErrTimedOut is returned by Recv/recvNonBlocking when no record
// arrives before the retry budget elapses.
var ErrTimedOut = fmt.Errorf("triggerbox: timed out waiting for a record")

func (c *Client) recvNonBlocking(budget time.Duration) ([]byte, error) {
	deadline := time.Now().Add(budget)
	for {
		msg, err := c.sub.RecvMsg()
		if err == nil {
			return msg.Body, nil
		}
		if err != mangos.ErrRecvTimeout && err != mangos.ErrClosed {
			return nil, fmt.Errorf("triggerbox: recv failed: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimedOut
		}
		time.Sleep(RecvStep)
	}
}

// Drain consumes and discards any records still queued after a run
// stops, returning the count discarded (spec.md's SUPPLEMENTED
// FEATURES: original_source's end-of-run residual counter).
func (c *Client) Drain(budget time.Duration) int {
	n := 0
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		_, err := c.sub.RecvMsg()
		if err != nil {
			break
		}
		n++
	}
	return n
}
