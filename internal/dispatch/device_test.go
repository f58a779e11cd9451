// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// End-to-end tests driving the dispatcher exactly the way a real caller
// would: wire-encoded requests in, wire-encoded responses out.

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/windowsperf-go/wperf-core/internal/ioctl"
)

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := ioctl.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func mustDecode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := ioctl.Decode(data, v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// TestLockAcquireExclusive reproduces spec.md §8 S1: a second caller's
// normal-mode LOCK_ACQUIRE fails with status Busy while the first caller
// still holds the lock.
func TestLockAcquireExclusive(t *testing.T) {
	d := NewDevice(2, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()

	tokA := d.Open()
	tokB := d.Open()

	out, err := d.Dispatch(ctx, tokA, ioctl.Code(ioctl.FunctionLockAcquire),
		mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		t.Fatalf("tokA acquire: %v", err)
	}
	var respA ioctl.LockResponse
	mustDecode(t, out, &respA)
	if respA.Status != ioctl.StatusLockAcquired {
		t.Fatalf("tokA status = %v, want StatusLockAcquired", respA.Status)
	}

	out, err = d.Dispatch(ctx, tokB, ioctl.Code(ioctl.FunctionLockAcquire),
		mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		t.Fatalf("tokB acquire: %v", err)
	}
	var respB ioctl.LockResponse
	mustDecode(t, out, &respB)
	if respB.Status != ioctl.StatusBusy {
		t.Fatalf("tokB status = %v, want StatusBusy", respB.Status)
	}

	// Force-preemption succeeds and tokA's subsequent counter IOCTLs now
	// fail with InvalidDeviceState.
	out, err = d.Dispatch(ctx, tokB, ioctl.Code(ioctl.FunctionLockAcquire),
		mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGetForce}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		t.Fatalf("tokB force acquire: %v", err)
	}
	var respForce ioctl.LockResponse
	mustDecode(t, out, &respForce)
	if respForce.Status != ioctl.StatusLockAcquired {
		t.Fatalf("tokB force status = %v, want StatusLockAcquired", respForce.Status)
	}

	_, err = d.Dispatch(ctx, tokA, ioctl.Code(ioctl.FunctionReadCounting),
		mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})}), ioctl.Size(ioctl.ReadOut{}))
	if !errors.Is(err, ioctl.ErrInvalidDeviceState) {
		t.Fatalf("preempted tokA read_counting err = %v, want ErrInvalidDeviceState", err)
	}
}

// TestAssignStartReadCounting drives ASSIGN_EVENTS -> START -> (wait for
// at least one round) -> STOP -> READ_COUNTING through the full
// dispatcher, the core per-IOCTL round trip spec.md §4.3 describes.
func TestAssignStartReadCounting(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	acquire := func() {
		out, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionLockAcquire),
			mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		var resp ioctl.LockResponse
		mustDecode(t, out, &resp)
		if resp.Status != ioctl.StatusLockAcquired {
			t.Fatalf("acquire status = %v", resp.Status)
		}
	}
	acquire()

	evtHdr := mustEncode(t, ioctl.EvtHdr{Class: ioctl.EvtCore, Num: 2})
	ids := ioctl.EncodeEventIDs([]uint16{0x08, 0x11})
	assignHdr := mustEncode(t, ioctl.EvtAssignHdr{CoreIdx: 0})
	input := append(append(evtHdr, ids...), assignHdr...)

	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionAssignEvents), input, 0); err != nil {
		t.Fatalf("assign_events: %v", err)
	}

	startReq := mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0}), Period: 20})
	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionStart), startReq, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	stopReq := mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})})
	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionStop), stopReq, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}

	out, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionReadCounting),
		mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})}), ioctl.Size(ioctl.ReadOut{}))
	if err != nil {
		t.Fatalf("read_counting: %v", err)
	}
	var ro ioctl.ReadOut
	mustDecode(t, out, &ro)
	if ro.EvtNum != 3 {
		t.Fatalf("EvtNum = %d, want 3 (cycle + 2 assigned)", ro.EvtNum)
	}
	if ro.Evts[0].EventIdx != ioctl.CycleEventIdx {
		t.Fatalf("Evts[0].EventIdx = %#x, want cycle sentinel", ro.Evts[0].EventIdx)
	}
	if ro.Evts[0].Scheduled == 0 {
		t.Fatalf("cycle event never scheduled a round after waiting through the timer period")
	}
}

// TestUnknownOpcodeRejected reproduces spec.md §8 Invariant 6: an opcode
// outside the defined FUNCTION set is rejected without side effects.
func TestUnknownOpcodeRejected(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	_, err := d.Dispatch(ctx, tok, 0xDEADBEEF, nil, 0)
	if !errors.Is(err, ioctl.ErrInvalidParameter) {
		t.Fatalf("unknown opcode err = %v, want ErrInvalidParameter", err)
	}
}

// TestNonHolderRejected checks am_i_locking: a counter-touching IOCTL
// from a token that never acquired the lock fails closed.
func TestNonHolderRejected(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	_, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionReadCounting),
		mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})}), ioctl.Size(ioctl.ReadOut{}))
	if !errors.Is(err, ioctl.ErrInvalidDeviceState) {
		t.Fatalf("non-holder read_counting err = %v, want ErrInvalidDeviceState", err)
	}
}

// TestQueryHWCfgAndVersion exercise the two read-only query IOCTLs, which
// spec.md §4.6 exempts from the am_i_locking gate.
func TestQueryHWCfgAndVersion(t *testing.T) {
	d := NewDevice(2, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	out, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionQueryHWCfg),
		mustEncode(t, ioctl.PMUCtlHdr{CoresIdx: ioctl.NewCoresIdx([]int{0})}), ioctl.Size(ioctl.HWCfg{}))
	if err != nil {
		t.Fatalf("query_hw_cfg: %v", err)
	}
	var cfg ioctl.HWCfg
	mustDecode(t, out, &cfg)
	if cfg.CoreNum != 2 {
		t.Fatalf("CoreNum = %d, want 2", cfg.CoreNum)
	}

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionQueryVersion), nil, ioctl.Size(ioctl.VersionInfo{}))
	if err != nil {
		t.Fatalf("query_version: %v", err)
	}
	var v ioctl.VersionInfo
	mustDecode(t, out, &v)
	if v.Major != 4 {
		t.Fatalf("Major = %d, want 4", v.Major)
	}
}

// TestDSUAndDMC exercises DSU_INIT/DSU_READ_COUNTING and
// DMC_INIT/DMC_READ_COUNTING, the direct-register-access siblings of the
// PMU path (spec.md §4.1).
func TestDSUAndDMC(t *testing.T) {
	d := NewDevice(1, 4, 2, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	out, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionLockAcquire),
		mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var lr ioctl.LockResponse
	mustDecode(t, out, &lr)
	if lr.Status != ioctl.StatusLockAcquired {
		t.Fatalf("acquire status = %v", lr.Status)
	}

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionDSUInit),
		mustEncode(t, ioctl.DSUCtlHdr{ClusterNum: 1, ClusterSize: 4}), ioctl.Size(ioctl.DSUCfg{}))
	if err != nil {
		t.Fatalf("dsu_init: %v", err)
	}
	var dsuCfg ioctl.DSUCfg
	mustDecode(t, out, &dsuCfg)
	if dsuCfg.GPCNum == 0 {
		t.Fatalf("DSU GPCNum = 0")
	}

	evtHdr := mustEncode(t, ioctl.EvtHdr{Class: ioctl.EvtDSU, Num: 1})
	ids := ioctl.EncodeEventIDs([]uint16{0x2A})
	assignHdr := mustEncode(t, ioctl.EvtAssignHdr{})
	input := append(append(evtHdr, ids...), assignHdr...)
	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionAssignEvents), input, 0); err != nil {
		t.Fatalf("assign dsu event: %v", err)
	}

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionDSUReadCounting), nil, ioctl.Size(ioctl.DSUReadOut{}))
	if err != nil {
		t.Fatalf("dsu_read_counting: %v", err)
	}
	var dsuOut ioctl.DSUReadOut
	mustDecode(t, out, &dsuOut)
	if dsuOut.EvtNum != 1 {
		t.Fatalf("DSU EvtNum = %d, want 1", dsuOut.EvtNum)
	}

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionDMCInit),
		mustEncode(t, ioctl.DMCCtlHdr{DMCNum: 1}), ioctl.Size(ioctl.DMCCfg{}))
	if err != nil {
		t.Fatalf("dmc_init: %v", err)
	}
	var dmcCfg ioctl.DMCCfg
	mustDecode(t, out, &dmcCfg)
	if dmcCfg.ClkGPCNum == 0 {
		t.Fatalf("DMC ClkGPCNum = 0")
	}
}

// TestSampling exercises SAMPLE_SET_SRC/SAMPLE_START/SAMPLE_STOP/SAMPLE_GET
// (spec.md §4.4).
func TestSampling(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	out, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionLockAcquire),
		mustEncode(t, ioctl.LockRequest{Flag: ioctl.LockGet}), ioctl.Size(ioctl.LockResponse{}))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var lr ioctl.LockResponse
	mustDecode(t, out, &lr)

	srcHdr := mustEncode(t, ioctl.SampleSetSrcHdr{CoreIdx: 0})
	src := mustEncode(t, ioctl.SampleSrcDesc{EventSrc: 0, Interval: 1000}) // 0 = cycle source
	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionSampleSetSrc), append(srcHdr, src...), 0); err != nil {
		t.Fatalf("sample_set_src: %v", err)
	}

	if _, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionSampleStart), mustEncode(t, ioctl.GetSampleHdr{CoreIdx: 0}), 0); err != nil {
		t.Fatalf("sample_start: %v", err)
	}

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionSampleStop), mustEncode(t, ioctl.GetSampleHdr{CoreIdx: 0}), ioctl.Size(ioctl.SampleSummary{}))
	if err != nil {
		t.Fatalf("sample_stop: %v", err)
	}
	var summary ioctl.SampleSummary
	mustDecode(t, out, &summary)

	out, err = d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionSampleGet), mustEncode(t, ioctl.GetSampleHdr{CoreIdx: 0}), ioctl.Size(ioctl.SamplePayload{}))
	if err != nil {
		t.Fatalf("sample_get: %v", err)
	}
	var payload ioctl.SamplePayload
	mustDecode(t, out, &payload)
	if payload.Size != 0 {
		t.Fatalf("Size = %d, want 0 (no PMI fired in this smoke test)", payload.Size)
	}
}

// TestBufferTooSmallRejected checks spec.md §7: an undersized caller
// output buffer is rejected before the handler writes anything.
func TestBufferTooSmallRejected(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	defer d.Close()
	ctx := context.Background()
	tok := d.Open()

	_, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionQueryVersion), nil, 1)
	if !errors.Is(err, ioctl.ErrBufferTooSmall) {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

// TestCloseStopsAcceptingWork checks spec.md §4.6's Removing state: once
// Close has run, further Dispatch calls fail instead of hanging.
func TestCloseStopsAcceptingWork(t *testing.T) {
	d := NewDevice(1, 4, 0, nil)
	tok := d.Open()
	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Dispatch(ctx, tok, ioctl.Code(ioctl.FunctionQueryVersion), nil, ioctl.Size(ioctl.VersionInfo{}))
	if err == nil {
		t.Fatalf("expected error after Close")
	}
}
