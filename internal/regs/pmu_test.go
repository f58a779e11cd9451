// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the PMU register file.

package regs

import "testing"

func TestCycleDeltaAccounting(t *testing.T) {
	// Grounded in spec.md §8 Invariant 5: monotonic raw values produce
	// the expected delta sequence, and a single backwards anomaly
	// clamps to zero before resuming.
	r := NewRegisterFile()

	tests := []struct {
		name      string
		advanceBy uint64
		wantDelta uint64
	}{
		{"first delta from zero", 100, 100},
		{"second delta", 50, 50},
		{"third delta", 200, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.AdvanceCycle(tt.advanceBy)
			got := r.ReadCycleDelta()
			if got != tt.wantDelta {
				t.Errorf("ReadCycleDelta() = %d, want %d", got, tt.wantDelta)
			}
		})
	}

	// Simulate a wrap anomaly: force lastCycle ahead of cycleValue.
	r.mu.Lock()
	r.lastCycle = r.cycleValue + 1000
	r.mu.Unlock()

	if got := r.ReadCycleDelta(); got != 0 {
		t.Errorf("ReadCycleDelta() after anomaly = %d, want 0", got)
	}

	// Subsequent deltas resume correctly.
	r.AdvanceCycle(42)
	if got := r.ReadCycleDelta(); got != 42 {
		t.Errorf("ReadCycleDelta() after anomaly recovery = %d, want 42", got)
	}
}

func TestCounterSetTypeInvalidIndex(t *testing.T) {
	r := NewRegisterFile()

	tests := []struct {
		name    string
		physIdx int
		wantErr bool
	}{
		{"valid index 0", 0, false},
		{"valid index 30", 30, false},
		{"invalid index 31 (fixed counter)", 31, true},
		{"invalid negative index", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CounterSetType(tt.physIdx, 0x08, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("CounterSetType(%d) error = %v, wantErr %v", tt.physIdx, err, tt.wantErr)
			}
		})
	}
}

func TestAdvanceCounterRequiresEnable(t *testing.T) {
	r := NewRegisterFile()

	if _, err := r.AdvanceCounter(0, 10); err != nil {
		t.Fatalf("AdvanceCounter: %v", err)
	}
	got, _ := r.ReadCounter(0)
	if got != 0 {
		t.Errorf("counter advanced while disabled: got %d, want 0", got)
	}

	r.CounterEnable(1 << 0)
	if _, err := r.AdvanceCounter(0, 10); err != nil {
		t.Fatalf("AdvanceCounter: %v", err)
	}
	got, _ = r.ReadCounter(0)
	if got != 10 {
		t.Errorf("counter did not advance while enabled: got %d, want 10", got)
	}
}

func TestAdvanceCounterOverflow(t *testing.T) {
	r := NewRegisterFile()
	r.CounterEnable(1 << 5)
	if err := r.WriteCounter(5, 0xFFFFFFFF-3); err != nil {
		t.Fatalf("WriteCounter: %v", err)
	}

	overflowed, err := r.AdvanceCounter(5, 10)
	if err != nil {
		t.Fatalf("AdvanceCounter: %v", err)
	}
	if !overflowed {
		t.Errorf("expected overflow")
	}
	got, _ := r.ReadCounter(5)
	if got != 6 { // (0xFFFFFFFF-3)+10 wraps to 6
		t.Errorf("ReadCounter after overflow = %d, want 6", got)
	}
}

func TestCounterResetPreservesCycleCounter(t *testing.T) {
	// spec.md §4.1: counter_reset "clears general-purpose but not the
	// cycle counter".
	r := NewRegisterFile()
	r.CounterEnable(1 << 0)
	_, _ = r.AdvanceCounter(0, 99)
	r.AdvanceCycle(500)

	r.CounterReset()

	got, _ := r.ReadCounter(0)
	if got != 0 {
		t.Errorf("GPC not reset: got %d, want 0", got)
	}
	if delta := r.ReadCycleDelta(); delta != 500 {
		t.Errorf("cycle counter affected by reset: delta = %d, want 500", delta)
	}
}
