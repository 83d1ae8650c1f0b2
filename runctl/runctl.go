// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package runctl implements the Run Controller of spec.md §4.6: the
// begin/pause/resume/end state machine that spawns and joins Link
// Reader goroutines, coordinates deferred stop (drain-then-end), and
// arms/disarms the Trigger-Box Client. Grounded on eda/device.go's
// Start/Stop/initRun sequencing and cmd/daq-boot/main.go's
// errgroup-based process-group join.
package runctl // import "github.com/go-wavedaq/frontend/runctl"

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/link"
	"github.com/go-wavedaq/frontend/merge"
	"github.com/go-wavedaq/frontend/paramstore"
	"github.com/go-wavedaq/frontend/record"
	"github.com/go-wavedaq/frontend/ringbuf"
	"github.com/go-wavedaq/frontend/sink"
	"github.com/go-wavedaq/frontend/triggerbox"
)

// settingsStore is the subset of *paramstore.Store the Run Controller
// needs, following eda's device interface (eda/fake_device_test.go)
// so tests can substitute a fake without a database round trip.
type settingsStore interface {
	BoardSettings(ctx context.Context, moduleID uint32) (board.Settings, error)
	ProcessSettings(ctx context.Context) (paramstore.ProcessSettings, error)
}

// BoardSpec pairs a connected Board Driver with its module id, as
// enumerated at process startup.
type BoardSpec struct {
	ModuleID uint32
	Driver   *board.Driver
}

// LinkSpec is one optical link's daisy-chained boards, together with
// the CPU its Link Reader should be pinned to.
type LinkSpec struct {
	LinkIndex int
	CPUID     int
	Boards    []BoardSpec
}

// Config carries the Run Controller's tunables (spec.md §4.6, plus
// the Open-Questions decisions of SPEC_FULL.md).
type Config struct {
	Merge merge.Config

	// DrainDeadline bounds the Draining state (spec.md §4.6, default 10s).
	DrainDeadline time.Duration

	// ArmSettle is the trigger-box stop/start settle at Arming
	// (spec.md §4.6, default 1s).
	ArmSettle time.Duration

	// TriggerBoxDrainBudget bounds the residual trigger-box drain at
	// Stopping (spec.md's SUPPLEMENTED FEATURES residual counter).
	TriggerBoxDrainBudget time.Duration

	// SettingsDir is where writeRunSettings echoes the settings used
	// for a run (spec.md's SUPPLEMENTED FEATURES settings-echo file).
	SettingsDir string
}

func newConfig() Config {
	return Config{
		DrainDeadline:         10 * time.Second,
		ArmSettle:             time.Second,
		TriggerBoxDrainBudget: 100 * time.Millisecond,
		SettingsDir:           ".",
	}
}

// Controller drives the Run State machine of spec.md §4.6. It owns no
// board or ring-buffer state directly outside a run: boards live from
// process start to process exit (owned by the Run Controller outside
// Running/Draining, by their Link Reader within), while ring buffers
// and reader goroutines exist only between BeginRun and EndRun/StopRun.
type Controller struct {
	cfg Config
	msg *log.Logger

	pstore settingsStore
	links  []LinkSpec
	tbox   *triggerbox.Client // nil when the trigger box is disabled
	sink   sink.Sink

	state       int32 // atomic State
	runActive   int32 // atomic bool
	stopPending int32 // atomic bool

	run     uint32
	rings   map[uint32]*ringbuf.Ring
	readers []*link.Reader
	grp     *errgroup.Group

	mergeStage *merge.Stage
}

// New returns an Idle Controller over links, optionally driving a
// Trigger-Box Client and reading settings from pstore.
func New(cfg Config, pstore settingsStore, links []LinkSpec, tbox *triggerbox.Client, snk sink.Sink) *Controller {
	def := newConfig()
	if cfg.DrainDeadline == 0 {
		cfg.DrainDeadline = def.DrainDeadline
	}
	if cfg.ArmSettle == 0 {
		cfg.ArmSettle = def.ArmSettle
	}
	if cfg.TriggerBoxDrainBudget == 0 {
		cfg.TriggerBoxDrainBudget = def.TriggerBoxDrainBudget
	}
	if cfg.SettingsDir == "" {
		cfg.SettingsDir = def.SettingsDir
	}

	return &Controller{
		cfg:    cfg,
		msg:    log.New(os.Stdout, "runctl: ", 0),
		pstore: pstore,
		links:  links,
		tbox:   tbox,
		sink:   snk,
	}
}

// State returns the current Run State.
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Controller) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	c.msg.Printf("run-state -> %s", s)
}

func (c *Controller) isRunActive() bool   { return atomic.LoadInt32(&c.runActive) != 0 }
func (c *Controller) isStopPending() bool { return atomic.LoadInt32(&c.stopPending) != 0 }

// BeginRun implements the Idle → Arming → Running transition of
// spec.md §4.6.
func (c *Controller) BeginRun(ctx context.Context, run uint32) error {
	if got := c.State(); got != Idle {
		return fmt.Errorf("runctl: cannot begin run from state %s", got)
	}
	c.run = run
	return c.arm(ctx)
}

// ResumeRun implements the Paused → Running transition (via the
// Arming path, spec.md §4.6).
func (c *Controller) ResumeRun(ctx context.Context) error {
	if got := c.State(); got != Paused {
		return fmt.Errorf("runctl: cannot resume from state %s", got)
	}
	return c.arm(ctx)
}

// arm performs the Idle/Paused → Arming → Running sequence shared by
// BeginRun and ResumeRun.
func (c *Controller) arm(ctx context.Context) error {
	c.setState(Arming)

	proc, err := c.pstore.ProcessSettings(ctx)
	if err != nil {
		return fmt.Errorf("runctl: could not read process settings: %w", err)
	}
	c.cfg.Merge.MergeAcrossBoards = proc.MergeDataFromBoards
	c.cfg.Merge.UseTriggerBox = proc.EnableChronobox
	c.cfg.Merge.AcceptPartialMerges = proc.WritePartiallyMerged
	c.cfg.Merge.FlushAtEnd = proc.FlushBuffersAtEndOfRun
	c.cfg.Merge.TSMatchWindow = proc.TSMatchThreshTicks

	if err := c.configureBoards(ctx); err != nil {
		return err
	}

	c.rings = make(map[uint32]*ringbuf.Ring, c.countBoards())
	for _, l := range c.links {
		for _, b := range l.Boards {
			c.rings[b.ModuleID] = ringbuf.New(ringbuf.CapacityFor(link.MaxEventBytes))
		}
	}

	if err := c.writeRunSettings(c.run); err != nil {
		c.msg.Printf("warning: could not write run settings echo: %+v", err)
	}

	for _, l := range c.links {
		for _, b := range l.Boards {
			if err := b.Driver.Start(); err != nil {
				return fmt.Errorf("runctl: could not start board %d: %w", b.ModuleID, err)
			}
		}
	}

	atomic.StoreInt32(&c.runActive, 1)
	atomic.StoreInt32(&c.stopPending, 0)

	grp, _ := errgroup.WithContext(context.Background())
	c.grp = grp
	c.readers = c.readers[:0]
	for _, l := range c.links {
		slots := make([]link.BoardSlot, len(l.Boards))
		for i, b := range l.Boards {
			slots[i] = link.BoardSlot{Driver: b.Driver, Ring: c.rings[b.ModuleID]}
		}
		rdr := link.NewReader(l.LinkIndex, l.CPUID, slots, c.isRunActive, c.isStopPending)
		c.readers = append(c.readers, rdr)
		grp.Go(func() error {
			rdr.Run()
			return rdr.Err
		})
	}

	var sources []merge.BoardSource
	for _, l := range c.links {
		for _, b := range l.Boards {
			sources = append(sources, merge.BoardSource{ModuleID: b.ModuleID, Ring: c.rings[b.ModuleID]})
		}
	}
	c.mergeStage = merge.New(c.cfg.Merge, sources, c.tbox)

	if c.tbox != nil {
		if err := c.tbox.Stop(); err != nil {
			c.msg.Printf("warning: could not stop trigger-box before arming: %+v", err)
		}
		if err := c.tbox.Start(); err != nil {
			return fmt.Errorf("runctl: could not start trigger-box: %w", err)
		}
		time.Sleep(c.cfg.ArmSettle)
	}

	if err := c.sink.BeginEvent(c.run); err != nil {
		return fmt.Errorf("runctl: could not begin sink event stream: %w", err)
	}

	var evt record.MergedEvent
	_, _ = c.mergeStage.Poll(&evt) // first poll of Arming -> Running, spec.md §4.6

	c.setState(Running)
	return nil
}

func (c *Controller) configureBoards(ctx context.Context) error {
	for _, l := range c.links {
		for _, b := range l.Boards {
			settings, err := c.pstore.BoardSettings(ctx, b.ModuleID)
			if err != nil {
				return fmt.Errorf("runctl: could not read settings for board %d: %w", b.ModuleID, err)
			}
			if err := b.Driver.ConfigureForAcquisition(settings); err != nil {
				return fmt.Errorf("runctl: could not configure board %d: %w", b.ModuleID, err)
			}
		}
	}
	return nil
}

func (c *Controller) countBoards() int {
	n := 0
	for _, l := range c.links {
		n += len(l.Boards)
	}
	return n
}

// Poll drives one merge poll cycle and, if it produced an event,
// hands it to the configured Sink. It also honors a merge-stage
// protocol-violation stop request (spec.md §4.5 step 6).
func (c *Controller) Poll() error {
	if c.State() != Running && c.State() != Draining {
		return nil
	}

	var evt record.MergedEvent
	ok, err := c.mergeStage.Poll(&evt)
	if err != nil && c.mergeStage.StopRequested() {
		c.msg.Printf("protocol violation, stopping run: %+v", err)
		go func() {
			if serr := c.StopRun(context.Background()); serr != nil {
				c.msg.Printf("could not stop run after protocol violation: %+v", serr)
			}
		}()
		return nil
	}
	if err != nil {
		return fmt.Errorf("runctl: poll failed: %w", err)
	}
	if !ok {
		return nil
	}
	return c.sink.WriteEvent(&evt)
}

// PauseRun implements the Running → Paused transition (spec.md §4.6,
// Open Question 3: ring buffers are destroyed, symmetric with
// begin/end).
func (c *Controller) PauseRun(ctx context.Context) error {
	if got := c.State(); got != Running {
		return fmt.Errorf("runctl: cannot pause from state %s", got)
	}

	atomic.StoreInt32(&c.runActive, 0)
	if err := c.grp.Wait(); err != nil {
		c.msg.Printf("warning: reader error while pausing: %+v", err)
	}

	if err := c.stopBoards(); err != nil {
		return err
	}

	c.rings = nil
	c.setState(Paused)
	return nil
}

// StopRun implements the Running → Draining → Stopping → Idle
// transition of spec.md §4.6 (deferred stop, drain-then-end).
func (c *Controller) StopRun(ctx context.Context) error {
	if got := c.State(); got != Running {
		return fmt.Errorf("runctl: cannot stop from state %s", got)
	}
	c.setState(Draining)

	if c.cfg.Merge.FlushAtEnd {
		if c.tbox != nil {
			if err := c.tbox.Stop(); err != nil {
				c.msg.Printf("warning: could not stop trigger-box before draining: %+v", err)
			}
		}
		atomic.StoreInt32(&c.stopPending, 1)

		deadline := time.Now().Add(c.cfg.DrainDeadline)
		for time.Now().Before(deadline) {
			if c.allRingsEmpty() {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	} else {
		atomic.StoreInt32(&c.stopPending, 1)
	}

	return c.finishStop()
}

func (c *Controller) allRingsEmpty() bool {
	for _, r := range c.rings {
		if r.EventCount() != 0 {
			return false
		}
	}
	return true
}

func (c *Controller) finishStop() error {
	c.setState(Stopping)

	atomic.StoreInt32(&c.runActive, 0)
	if err := c.grp.Wait(); err != nil {
		c.msg.Printf("warning: reader error while stopping: %+v", err)
	}

	if err := c.stopBoards(); err != nil {
		return err
	}

	if c.tbox != nil {
		if err := c.tbox.Stop(); err != nil {
			c.msg.Printf("warning: could not stop trigger-box: %+v", err)
		}
		n := c.tbox.Drain(c.cfg.TriggerBoxDrainBudget)
		if n > 0 {
			c.msg.Printf("discarded %d residual trigger-box record(s) at end of run", n)
		}
	}

	if err := c.sink.EndEvent(); err != nil {
		c.msg.Printf("warning: could not close sink event stream: %+v", err)
	}

	c.rings = nil
	c.setState(Idle)
	return nil
}

func (c *Controller) stopBoards() error {
	for _, l := range c.links {
		for _, b := range l.Boards {
			if err := b.Driver.Stop(); err != nil {
				return fmt.Errorf("runctl: could not stop board %d: %w", b.ModuleID, err)
			}
		}
	}
	return nil
}
