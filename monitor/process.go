// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sbinet/pmon"
)

// ProcessMonitor samples the frontend's own CPU/RSS usage, following
// cmd/daq-boot/main.go's use of pmon.Monitor against a child process
// (here applied to the running process itself, self-monitoring rather
// than supervising a spawned command).
type ProcessMonitor struct {
	kill func() error
}

// StartProcessMonitor begins sampling this process at freq, writing
// pmon's CSV-like samples to w.
func StartProcessMonitor(w io.Writer, freq time.Duration) (*ProcessMonitor, error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("monitor: could not start process monitor: %w", err)
	}
	p.W = w
	p.Freq = freq

	go func() {
		// pmon.Run only returns once Kill is called or sampling fails;
		// either way there is no reader left to hand the error to.
		_ = p.Run()
	}()

	return &ProcessMonitor{kill: p.Kill}, nil
}

// Stop halts self-process sampling.
func (m *ProcessMonitor) Stop() error {
	if err := m.kill(); err != nil {
		return fmt.Errorf("monitor: could not stop process monitor: %w", err)
	}
	return nil
}
