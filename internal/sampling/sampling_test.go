// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the sampling engine.

package sampling

import (
	"sync"
	"testing"

	"github.com/windowsperf-go/wperf-core/internal/regs"
)

func TestRingDropsWhenFull(t *testing.T) {
	r := &Ring{}
	for i := 0; i < RingSize; i++ {
		if !r.TryPush(SampleFrame{PC: uint64(i)}) {
			t.Fatalf("unexpected drop at frame %d", i)
		}
	}
	if r.TryPush(SampleFrame{PC: 999}) {
		t.Fatalf("expected drop once ring is full")
	}
	gen, drop := r.Summary()
	if gen != RingSize || drop != 1 {
		t.Errorf("generated=%d dropped=%d, want %d/1", gen, drop, RingSize)
	}

	frames := r.Drain()
	if len(frames) != RingSize {
		t.Errorf("Drain returned %d frames, want %d", len(frames), RingSize)
	}
	if !r.TryPush(SampleFrame{PC: 1}) {
		t.Errorf("expected push to succeed after Drain reset the ring")
	}
}

// TestRingConcurrentProducersNeverBlock reproduces the ISR contract: many
// goroutines hammering TryPush concurrently with a Drain never deadlock
// and never lose the generated+dropped accounting invariant.
func TestRingConcurrentProducersNeverBlock(t *testing.T) {
	r := &Ring{}
	var wg sync.WaitGroup
	const producers = 50
	const pushesEach = 20

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < pushesEach; j++ {
				r.TryPush(SampleFrame{PC: uint64(j)})
			}
		}()
	}
	wg.Wait()

	gen, drop := r.Summary()
	if gen+drop != producers*pushesEach {
		t.Errorf("generated+dropped = %d, want %d", gen+drop, producers*pushesEach)
	}
}

// TestSetSrcBindsCycleAndGPC reproduces spec.md §8 scenario S4: a cycle
// source and one event source are bound, the event source to a GPC, the
// cycle source to the fixed counter, each preloaded to 0xFFFFFFFF-interval.
func TestSetSrcBindsCycleAndGPC(t *testing.T) {
	rf := regs.NewRegisterFile()
	cs := NewCoreSampler(rf, nil)

	err := cs.SetSrc([]SampleSrcDesc{
		{EventSrc: CycleSentinel, Interval: 1000},
		{EventSrc: 0x08, Interval: 500},
	})
	if err != nil {
		t.Fatalf("SetSrc: %v", err)
	}

	v, err := rf.ReadCounter(0)
	if err != nil {
		t.Fatalf("ReadCounter(0): %v", err)
	}
	if want := uint64(0xFFFFFFFF) - 500; v != want {
		t.Errorf("counter 0 preload = %#x, want %#x", v, want)
	}
}

// TestPMIPushesSampleAndReloads reproduces the overflow-ISR contract of
// spec.md §4.4: a PMI call with an active overflow bit pushes a frame and
// reloads the overflowed counter to its preload value.
func TestPMIPushesSampleAndReloads(t *testing.T) {
	rf := regs.NewRegisterFile()
	cs := NewCoreSampler(rf, nil)

	if err := cs.SetSrc([]SampleSrcDesc{{EventSrc: 0x08, Interval: 1000}}); err != nil {
		t.Fatalf("SetSrc: %v", err)
	}
	cs.Start()

	_ = rf.WriteCounter(0, 0xFFFFFFF0)
	cs.PMI(0x1, 0xDEAD, 0xBEEF)

	frames := cs.Drain()
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].LR != 0xDEAD || frames[0].PC != 0xBEEF {
		t.Errorf("frame = %+v, unexpected LR/PC", frames[0])
	}

	v, _ := rf.ReadCounter(0)
	if want := uint64(0xFFFFFFFF) - 1000; v != want {
		t.Errorf("counter not reloaded: got %#x, want %#x", v, want)
	}
}

// TestPMIIgnoresMaskedOverflow ensures bits outside overflow_mask never
// produce a spurious sample.
func TestPMIIgnoresMaskedOverflow(t *testing.T) {
	rf := regs.NewRegisterFile()
	cs := NewCoreSampler(rf, nil)
	if err := cs.SetSrc([]SampleSrcDesc{{EventSrc: 0x08, Interval: 1000}}); err != nil {
		t.Fatalf("SetSrc: %v", err)
	}
	cs.Start()

	cs.PMI(0x2, 1, 2) // bit 1, not bit 0 -> should be masked away

	if frames := cs.Drain(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestStopReturnsSummary(t *testing.T) {
	rf := regs.NewRegisterFile()
	cs := NewCoreSampler(rf, nil)
	if err := cs.SetSrc([]SampleSrcDesc{{EventSrc: 0x08, Interval: 10}}); err != nil {
		t.Fatalf("SetSrc: %v", err)
	}
	cs.Start()
	_ = rf.WriteCounter(0, 0xFFFFFFFF)
	cs.PMI(0x1, 1, 2)
	cs.PMI(0x1, 3, 4)

	gen, dropped := cs.Stop()
	if gen != 2 || dropped != 0 {
		t.Errorf("generated=%d dropped=%d, want 2/0", gen, dropped)
	}
}

// TestSPEEngineStartStop exercises the watchdog goroutine's lifecycle:
// Start arms it, Stop must cleanly join it without deadlocking even
// though DisableBufferEnable races with Stop's own disable.
func TestSPEEngineStartStop(t *testing.T) {
	rf := regs.NewSPERegisterFile()
	e := NewSPEEngine(rf, nil)

	e.Start(0, 0, 0, 256)
	if !rf.Enabled() {
		t.Fatalf("expected SPE enabled after Start")
	}
	rf.AdvanceBufferPointer(regs.SPEBufferSize - SPEBufferThreshold + 1)

	e.Stop()
	if rf.Enabled() {
		t.Errorf("expected SPE disabled after Stop")
	}
}

func TestSPEEngineCopyBuffer(t *testing.T) {
	rf := regs.NewSPERegisterFile()
	e := NewSPEEngine(rf, nil)
	e.Start(0, 0, 0, 100)

	dst := make([]byte, 16)
	n, err := e.CopyBuffer(dst, 0, 16)
	if err != nil {
		t.Fatalf("CopyBuffer: %v", err)
	}
	if n != 16 {
		t.Errorf("CopyBuffer returned %d, want 16", n)
	}
}
