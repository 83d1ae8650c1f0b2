// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command daq-frontend runs the multi-board waveform-digitizer
// acquisition frontend as a TDAQ server, wiring paramstore, board,
// link, triggerbox, merge, runctl and monitor together the way
// cmd/mim-rpi/main.go wires a single rpi device behind tdaq.Server.
package main // import "github.com/go-wavedaq/frontend/cmd/daq-frontend"

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/merge"
	"github.com/go-wavedaq/frontend/monitor"
	"github.com/go-wavedaq/frontend/paramstore"
	"github.com/go-wavedaq/frontend/runctl"
	"github.com/go-wavedaq/frontend/sink"
	"github.com/go-wavedaq/frontend/transport"
	"github.com/go-wavedaq/frontend/triggerbox"
)

var (
	devPath     = flag.String("dev", "/dev/uio0", "path to the optical-link register-window device")
	windowBytes = flag.Int64("window-bytes", 1<<20, "mmap register window size, in bytes")
	nLinks      = flag.Int("nlinks", 1, "number of optical links")
	boardsPer   = flag.Int("boards-per-link", 1, "number of boards per link")

	dbHost = flag.String("db-host", "127.0.0.1:3306", "parameter-store MySQL host:port")
	dbName = flag.String("db-name", "wavedaq", "parameter-store database name")
	dbUser = flag.String("db-user", "wavedaq", "parameter-store MySQL user")
	dbPass = flag.String("db-pass", "", "parameter-store MySQL password")

	tboxData = flag.String("tbox-data-addr", "", "trigger-box data-plane address (empty disables the trigger box)")
	tboxCtl  = flag.String("tbox-ctl-addr", "", "trigger-box control-plane address")

	sinkPath = flag.String("sink", "", "output file path (empty discards events)")

	settingsDir = flag.String("settings-dir", ".", "directory for per-run settings-echo files")

	pmonEnable = flag.Bool("pmon", true, "enable self-process CPU/RSS monitoring")
	pmonFreq   = flag.Duration("pmon-freq", time.Second, "self-process monitor sampling frequency")
)

func main() {
	cmd := flags.New()

	log.SetPrefix("daq-frontend: ")
	log.SetFlags(0)

	fe, err := newFrontend()
	if err != nil {
		log.Fatalf("could not create frontend: %+v", err)
	}
	defer fe.close()

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", fe.OnConfig)
	srv.CmdHandle("/init", fe.OnInit)
	srv.CmdHandle("/reset", fe.OnReset)
	srv.CmdHandle("/start", fe.OnStart)
	srv.CmdHandle("/stop", fe.OnStop)
	srv.CmdHandle("/pause", fe.OnPause)
	srv.CmdHandle("/resume", fe.OnResume)
	srv.CmdHandle("/quit", fe.OnQuit)

	srv.OutputHandle("/health", fe.onHealth)

	srv.RunHandle(fe.run)

	if err := srv.Run(context.Background()); err != nil {
		log.Panicf("error: %+v", err)
	}
}

// frontend adapts a runctl.Controller to a TDAQ server's command
// lifecycle, the way cmd/mim-rpi/main.go's rpi type adapts its own
// device to the six /config, /init, /reset, /start, /stop and /quit
// commands; frontend also handles /pause and /resume.
type frontend struct {
	pstore *paramstore.Store
	links  []runctl.LinkSpec
	tbox   *triggerbox.Client
	snk    sink.Sink
	mon    *monitor.Monitor

	ctl *runctl.Controller

	stopMonitor chan struct{}

	procMon     *monitor.ProcessMonitor
	procMonFile *os.File
}

func newFrontend() (*frontend, error) {
	pstore, err := paramstore.Open(*dbName, *dbUser, *dbPass, *dbHost)
	if err != nil {
		return nil, fmt.Errorf("could not open parameter store: %w", err)
	}

	tr := transport.NewMMapTransport(*devPath, *windowBytes)

	links := make([]runctl.LinkSpec, *nLinks)
	moduleID := uint32(1)
	for li := 0; li < *nLinks; li++ {
		boards := make([]runctl.BoardSpec, *boardsPer)
		for bi := 0; bi < *boardsPer; bi++ {
			id := board.Identity{FrontendIndex: 0, LinkIndex: li, BoardIndex: bi, ModuleID: moduleID}
			drv := board.New(id, tr)
			if _, err := drv.Connect(context.Background(), 3, 2*time.Second); err != nil {
				return nil, fmt.Errorf("could not connect board %d: %w", moduleID, err)
			}
			boards[bi] = runctl.BoardSpec{ModuleID: moduleID, Driver: drv}
			moduleID++
		}
		links[li] = runctl.LinkSpec{LinkIndex: li, CPUID: li + 1, Boards: boards}
	}

	var tbox *triggerbox.Client
	if *tboxData != "" {
		tbox = triggerbox.New(*tboxData, *tboxCtl)
		if err := tbox.Open(); err != nil {
			return nil, fmt.Errorf("could not open trigger-box client: %w", err)
		}
	}

	var snk sink.Sink = new(sink.Discard)
	if *sinkPath != "" {
		f, err := sink.NewFile(*sinkPath)
		if err != nil {
			return nil, fmt.Errorf("could not open sink file: %w", err)
		}
		snk = f
	}

	var monSources []monitor.BoardSource
	for _, l := range links {
		for _, b := range l.Boards {
			monSources = append(monSources, monitor.BoardSource{ModuleID: b.ModuleID, Driver: b.Driver})
		}
	}
	mon := monitor.New(monSources, monitor.MailConfig{
		Username: os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		Server:   os.Getenv("MAIL_SERVER"),
	})

	ctl := runctl.New(runctl.Config{Merge: merge.Config{}, SettingsDir: *settingsDir}, pstore, links, tbox, snk)

	var (
		procMon     *monitor.ProcessMonitor
		procMonFile *os.File
	)
	if *pmonEnable {
		procMonFile, err = os.Create(filepath.Join(*settingsDir, "daq-frontend-pmon.log"))
		if err != nil {
			return nil, fmt.Errorf("could not create process-monitor log: %w", err)
		}
		procMon, err = monitor.StartProcessMonitor(procMonFile, *pmonFreq)
		if err != nil {
			procMonFile.Close()
			return nil, fmt.Errorf("could not start process monitor: %w", err)
		}
	}

	fe := &frontend{
		pstore:      pstore,
		links:       links,
		tbox:        tbox,
		snk:         snk,
		mon:         mon,
		ctl:         ctl,
		stopMonitor: make(chan struct{}),
		procMon:     procMon,
		procMonFile: procMonFile,
	}
	go fe.mon.Run(fe.stopMonitor)

	return fe, nil
}

func (fe *frontend) close() {
	close(fe.stopMonitor)
	if fe.procMon != nil {
		_ = fe.procMon.Stop()
		_ = fe.procMonFile.Close()
	}
	if fe.tbox != nil {
		_ = fe.tbox.Close()
	}
	_ = fe.snk.Close()
	_ = fe.pstore.Close()
}

func (fe *frontend) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (fe *frontend) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return nil
}

func (fe *frontend) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if fe.ctl.State() != runctl.Idle {
		return fmt.Errorf("daq-frontend: cannot reset from state %s", fe.ctl.State())
	}
	return nil
}

func (fe *frontend) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	run := dec.ReadU32()

	ctx.Msg.Infof("received /start command... run=%d", run)
	if err := fe.ctl.BeginRun(ctx.Ctx, run); err != nil {
		return fmt.Errorf("daq-frontend: could not begin run %d: %w", run, err)
	}
	return nil
}

func (fe *frontend) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("received /stop command...")
	if err := fe.ctl.StopRun(ctx.Ctx); err != nil {
		return fmt.Errorf("daq-frontend: could not stop run: %w", err)
	}
	return nil
}

func (fe *frontend) OnPause(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("received /pause command...")
	if err := fe.ctl.PauseRun(ctx.Ctx); err != nil {
		return fmt.Errorf("daq-frontend: could not pause run: %w", err)
	}
	return nil
}

func (fe *frontend) OnResume(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("received /resume command...")
	if err := fe.ctl.ResumeRun(ctx.Ctx); err != nil {
		return fmt.Errorf("daq-frontend: could not resume run: %w", err)
	}
	return nil
}

// onHealth serves the Periodic Monitor's latest per-board sample as an
// output frame, the way cmd/mim-rpi's dev.adc serves its own
// producer-fed data channel.
func (fe *frontend) onHealth(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case samples := <-fe.mon.Health():
		dst.Body = monitor.EncodeSamples(samples)
	}
	return nil
}

func (fe *frontend) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if fe.ctl.State() == runctl.Running {
		if err := fe.ctl.StopRun(ctx.Ctx); err != nil {
			ctx.Msg.Errorf("could not stop run on quit: %+v", err)
		}
	}
	return nil
}

// run drives the Merge / Poll Stage on the main goroutine (spec.md §5:
// "Main thread: bounded wait on ring-buffer peek... short sleeps in
// the poll loop").
func (fe *frontend) run(ctx tdaq.Context) error {
	const idleSleep = time.Millisecond
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
		}

		if fe.ctl.State() == runctl.Running || fe.ctl.State() == runctl.Draining {
			if err := fe.ctl.Poll(); err != nil {
				ctx.Msg.Errorf("poll failed: %+v", err)
			}
		} else {
			time.Sleep(idleSleep)
		}
	}
}
