// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Command wperfd is a minimal demo harness for the simulated
// WindowsPerf device: it opens a device, drives one session through
// LOCK_ACQUIRE, ASSIGN_EVENTS, START, a short counting window, STOP,
// READ_COUNTING and LOCK_RELEASE, and prints the result. It intentionally
// does not implement the stat/sample/record/list/test/detect/version/help
// CLI surface of a real wperf client; that surface sits outside this
// engine's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/windowsperf-go/wperf-core/internal/dispatch"
	"github.com/windowsperf-go/wperf-core/internal/engine/metric"
	"github.com/windowsperf-go/wperf-core/internal/ioctl"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

var (
	traceFile   = flag.String("trace", "", "Write execution trace to file")
	cores       = flag.Int("cores", 4, "Number of simulated logical cores")
	gpc         = flag.Int("gpc", 6, "General-purpose counters per core")
	periodMs    = flag.Int("period", 20, "Counting round period in milliseconds")
	windowMs    = flag.Int("window", 200, "How long to count before stopping, in milliseconds")
	metricName  = flag.String("metric", "", "Evaluate a builtin metric name against the counted events (see -list-metrics)")
	listMetrics = flag.Bool("list-metrics", false, "List builtin metric names and exit")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

const version = "0.1.0"

var savedTermState *term.State

// setupTerminal puts stdin into raw mode, mirroring the teacher
// emulator's console setup, for interactive demo runs.
func setupTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %v", err)
	}
	savedTermState = state
	if _, err := term.MakeRaw(int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to set raw mode: %v", err)
	}
	return nil
}

func restoreTerminal() {
	if savedTermState != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("wperfd %s\n", version)
		os.Exit(0)
	}

	if *listMetrics {
		for _, name := range metric.BuiltinNames() {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	var tracer *trace.Log
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		tracer = trace.New(f)
	}

	if err := setupTerminal(); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up terminal: %v\n", err)
		os.Exit(1)
	}
	defer restoreTerminal()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		restoreTerminal()
		os.Exit(130)
	}()

	dev := dispatch.NewDevice(*cores, *gpc, 1, tracer)
	defer dev.Close()

	if err := runSession(dev); err != nil {
		restoreTerminal()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	restoreTerminal()
	fmt.Fprintf(os.Stderr, "Exit: normal\n")
}

func runSession(dev *dispatch.Device) error {
	ctx := context.Background()
	tok := dev.Open()

	lockOut, err := dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionLockAcquire),
		encode(ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		return fmt.Errorf("lock_acquire: %w", err)
	}
	var lockResp ioctl.LockResponse
	if err := ioctl.Decode(lockOut, &lockResp); err != nil {
		return err
	}
	if lockResp.Status != ioctl.StatusLockAcquired {
		return fmt.Errorf("lock_acquire: status %v", lockResp.Status)
	}
	defer dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionLockRelease), nil, ioctl.Size(ioctl.LockResponse{}))

	evtHdr, err := ioctl.Encode(ioctl.EvtHdr{Class: ioctl.EvtCore, Num: 2})
	if err != nil {
		return err
	}
	ids := ioctl.EncodeEventIDs([]uint16{0x08, 0x11}) // inst_retired, cpu_cycles-class event
	assignHdr, err := ioctl.Encode(ioctl.EvtAssignHdr{CoreIdx: 0})
	if err != nil {
		return err
	}
	input := append(append(evtHdr, ids...), assignHdr...)
	if _, err := dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionAssignEvents), input, 0); err != nil {
		return fmt.Errorf("assign_events: %w", err)
	}

	startReq, err := ioctl.Encode(ioctl.PMUCtlHdr{
		CoresIdx: ioctl.NewCoresIdx([]int{0}),
		Period:   int32(*periodMs),
		Flags:    ioctl.CtlFlagCore,
	})
	if err != nil {
		return err
	}
	if _, err := dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionStart), startReq, 0); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	time.Sleep(time.Duration(*windowMs) * time.Millisecond)

	stopReq, err := ioctl.Encode(ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})})
	if err != nil {
		return err
	}
	if _, err := dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionStop), stopReq, 0); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	readOut, err := dev.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionReadCounting), stopReq, ioctl.Size(ioctl.ReadOut{}))
	if err != nil {
		return fmt.Errorf("read_counting: %w", err)
	}
	var ro ioctl.ReadOut
	if err := ioctl.Decode(readOut, &ro); err != nil {
		return err
	}

	fmt.Printf("round %d, %d events:\n", ro.Round, ro.EvtNum)
	vars := make(map[string]float64, ro.EvtNum)
	for i := uint32(0); i < ro.EvtNum && i < uint32(len(ro.Evts)); i++ {
		e := ro.Evts[i]
		fmt.Printf("  event %#x: value=%d scheduled=%d\n", e.EventIdx, e.Value, e.Scheduled)
		vars[fmt.Sprintf("e%d", i)] = float64(e.Value)
	}

	if *metricName != "" {
		if err := evaluateMetric(*metricName, vars); err != nil {
			fmt.Fprintf(os.Stderr, "metric %q: %v\n", *metricName, err)
		}
	}
	return nil
}

// evaluateMetric prints a builtin metric's event plan (its event list
// truncated to -gpc entries) and then the ratio e1/e0: the first event
// runSession assigned (e1) over the fixed cycle counter (e0, slot 0 of
// READ_COUNTING). The plan is only printed; runSession always assigns its
// own two events, and no per-metric formula is evaluated.
func evaluateMetric(name string, vars map[string]float64) error {
	plan, err := metric.ResolvePlan(name, *gpc)
	if err != nil {
		return err
	}
	fmt.Printf("metric %s plan: %v\n", name, plan)

	if _, ok := vars["e1"]; !ok {
		return nil
	}
	ratio, err := metric.Evaluate(vars, "e1 e0 /")
	if err != nil {
		return err
	}
	fmt.Printf("metric %s: e1/e0 = %.4f\n", name, ratio)
	return nil
}

func encode(v any) []byte {
	b, err := ioctl.Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "wperfd demo - opens a simulated WindowsPerf device and runs one counting session.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}
