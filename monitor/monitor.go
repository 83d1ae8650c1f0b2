// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor implements the Periodic Monitor of spec.md §4.7: a
// once-per-second sampler of per-board occupancy and clock-lock
// health, a latched process-wide PLL-loss alarm mailed to operators,
// and the frontend process's own CPU/RSS usage. Grounded on
// cmd/eda-ctl/main.go's alertMail and cmd/daq-boot/main.go's
// pmon.Monitor process sampling.
package monitor // import "github.com/go-wavedaq/frontend/monitor"

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	mail "gopkg.in/gomail.v2"

	"github.com/go-wavedaq/frontend/board"
)

// SampleInterval is the Periodic Monitor's fixed cadence (spec.md §4.7).
const SampleInterval = time.Second

// BoardSample is one board's published health record (spec.md §4.7:
// "Publishes (stored, busy-marker, ring-level, clock-lock) per board").
type BoardSample struct {
	ModuleID  uint32
	Stored    int
	Busy      bool
	RingLevel int
	PLLLocked bool
}

// BoardSource pairs a Board Driver with the ring buffer whose fill
// level is reported alongside it. Ring is nil outside a run (ring
// buffers only exist between BeginRun and EndRun, spec.md §3); a nil
// Ring reports a zero fill level.
type BoardSource struct {
	ModuleID uint32
	Driver   *board.Driver
	Ring     interface{ FillLevel() int }
}

// MailConfig configures the PLL-loss alarm e-mail, following
// cmd/eda-ctl/main.go's alertMail credentials-from-environment shape.
type MailConfig struct {
	Username string
	Password string
	Server   string
	Port     int
	Targets  []string
}

func (c MailConfig) valid() bool {
	return c.Username != "" && c.Password != "" && c.Server != "" && c.Port != 0 && len(c.Targets) > 0
}

// Monitor runs the Periodic Monitor loop.
type Monitor struct {
	msg     *log.Logger
	sources []BoardSource
	mail    MailConfig
	health  chan []BoardSample

	pllAlarmLatched bool
}

// New returns a Monitor over sources.
func New(sources []BoardSource, mailCfg MailConfig) *Monitor {
	return &Monitor{
		msg:     log.New(os.Stdout, "monitor: ", 0),
		sources: sources,
		mail:    mailCfg,
		health:  make(chan []BoardSample, 1),
	}
}

// Health returns the channel Run publishes each cycle's per-board
// samples to (spec.md §6: "a health feed publishes per-board (stored,
// busy, ring-level, pll_locked) once per second"). A cycle whose
// sample is never drained before the next tick is dropped rather than
// queued, so a reader always sees the freshest snapshot available.
func (m *Monitor) Health() <-chan []BoardSample {
	return m.health
}

// SampleOnce samples every board's health once (spec.md §4.7). It
// returns the per-board samples and latches (or re-arms) the
// process-wide PLL-loss alarm.
func (m *Monitor) SampleOnce() ([]BoardSample, error) {
	samples := make([]BoardSample, 0, len(m.sources))
	anyLocked := false
	anyUnlocked := false

	for _, src := range m.sources {
		h, err := src.Driver.SampleHealth()
		if err != nil {
			return nil, fmt.Errorf("monitor: could not sample board %d: %w", src.ModuleID, err)
		}

		busy := busyFromHealth(h)
		ringLevel := 0
		if src.Ring != nil {
			ringLevel = src.Ring.FillLevel()
		}

		samples = append(samples, BoardSample{
			ModuleID:  src.ModuleID,
			Stored:    h.StoredCount,
			Busy:      busy,
			RingLevel: ringLevel,
			PLLLocked: h.PLLLocked,
		})

		if h.PLLLocked {
			anyLocked = true
		} else {
			anyUnlocked = true
			m.msg.Printf("board %d: PLL not locked", src.ModuleID)
		}
	}

	switch {
	case anyUnlocked && !m.pllAlarmLatched:
		m.pllAlarmLatched = true
		m.alertPLLLoss()
	case !anyUnlocked && anyLocked:
		m.pllAlarmLatched = false // re-arm on a fully-locked read
	}

	return samples, nil
}

// busyFromHealth implements spec.md §4.7's busy derivation: "if
// almost-full is zero, busy iff stored == board-buffer-depth; else
// busy iff stored ≥ almost-full."
func busyFromHealth(h board.Health) bool {
	if h.AlmostFull == 0 {
		return h.StoredCount == board.BufferDepth
	}
	return uint32(h.StoredCount) >= h.AlmostFull
}

// Run samples every SampleInterval until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	tick := time.NewTicker(SampleInterval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			samples, err := m.SampleOnce()
			if err != nil {
				m.msg.Printf("could not sample board health: %+v", err)
				continue
			}
			select {
			case m.health <- samples:
			default:
				// the previous sample was never drained: replace it
				// with this one, so the next reader gets the freshest.
				select {
				case <-m.health:
				default:
				}
				select {
				case m.health <- samples:
				default:
				}
			}
		}
	}
}

func (m *Monitor) alertPLLLoss() {
	if !m.mail.valid() {
		m.msg.Printf("PLL-loss alarm latched; not mailing (missing MailConfig credentials)")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.mail.Username)
	msg.SetHeader("Bcc", m.mail.Targets...)
	msg.SetHeader("Subject", "[daq-frontend] PLL loss detected")
	msg.SetBody("text/plain", "one or more boards reported PLL unlocked during periodic monitoring")

	dial := mail.NewDialer(m.mail.Server, m.mail.Port, m.mail.Username, m.mail.Password)
	dial.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	if err := dial.DialAndSend(msg); err != nil {
		m.msg.Printf("could not send PLL-loss alarm mail: %+v", err)
	}
}
