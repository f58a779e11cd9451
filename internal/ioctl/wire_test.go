// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the IOCTL wire protocol.

package ioctl

import "testing"

func TestCodeEncodesFields(t *testing.T) {
	// spec.md §6: (DEVICE_TYPE<<16) | (ACCESS<<14) | (FUNCTION<<2) | METHOD.
	got := Code(FunctionStart)
	want := uint32(40004)<<16 | uint32(3)<<14 | uint32(0x900)<<2
	if got != want {
		t.Errorf("Code(FunctionStart) = %#x, want %#x", got, want)
	}
}

func TestFunctionOfRoundTrips(t *testing.T) {
	for _, fn := range []Function{FunctionStart, FunctionLockAcquire, FunctionSPEStop} {
		code := Code(fn)
		got, ok := FunctionOf(code)
		if !ok {
			t.Fatalf("FunctionOf(%#x) not found", code)
		}
		if got != fn {
			t.Errorf("FunctionOf(Code(%v)) = %v, want %v", fn, got, fn)
		}
	}
}

// TestFunctionOfRejectsUnknownOpcode reproduces spec.md §8 Invariant 6:
// opcodes outside the defined FUNCTION set must be recognizable as
// invalid so the dispatcher can return INVALID_PARAMETER.
func TestFunctionOfRejectsUnknownOpcode(t *testing.T) {
	if _, ok := FunctionOf(0xDEADBEEF); ok {
		t.Errorf("expected unknown opcode to be rejected")
	}
}

// TestCoresIdxValid reproduces spec.md §8 Invariant 4:
// check_cores_in_pmu_ctl_hdr_p is true iff count < 128 and every listed
// core number is also < 128.
func TestCoresIdxValid(t *testing.T) {
	tests := []struct {
		name string
		c    CoresIdx
		want bool
	}{
		{"empty", CoresIdx{}, true},
		{"count at limit", CoresIdx{Count: MaxPMUCtlCoresCount}, false},
		{"valid cores", NewCoresIdx([]int{0, 1, 127}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}

	var bad CoresIdx
	bad.Count = 1
	bad.CoresNo[0] = 200
	if bad.Valid() {
		t.Errorf("expected invalid core number to fail Valid()")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := LockRequest{Flag: LockGetForce}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != Size(LockRequest{}) {
		t.Fatalf("len(data) = %d, want %d", len(data), Size(LockRequest{}))
	}

	var out LockRequest
	if err := Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round-trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestEncodeDecodeHWCfgRoundTrip(t *testing.T) {
	in := HWCfg{PMUVer: 3, GPCNum: 6, MIDRValue: 0xCAFEBABE}
	in.CounterIdxMap[0] = 1
	copy(in.DeviceIDStr[:], "wperf0")

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out HWCfg
	if err := Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round-trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestStatusOfMapping(t *testing.T) {
	tests := []struct {
		err  error
		want StatusFlag
	}{
		{nil, StatusLockAcquired},
		{ErrInsufficientResources, StatusInsufficientResources},
		{ErrInvalidDeviceState, StatusUnknownError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
