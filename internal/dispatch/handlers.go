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

package dispatch

import (
	"time"

	"github.com/pkg/errors"

	"github.com/windowsperf-go/wperf-core/internal/ioctl"
	"github.com/windowsperf-go/wperf-core/internal/lock"
	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/sampling"
	"github.com/windowsperf-go/wperf-core/internal/scheduler"
)

// countingFunctions is the set of opcodes that require the caller to
// currently hold the session lock before touching any counter state
// (spec.md §4.2, §4.6: "am_i_locking check at the head of every
// counter-touching IOCTL"). LOCK_ACQUIRE, LOCK_RELEASE and the three
// read-only QUERY_* calls are exempt.
var countingFunctions = map[ioctl.Function]bool{
	ioctl.FunctionStart:            true,
	ioctl.FunctionStop:             true,
	ioctl.FunctionReset:            true,
	ioctl.FunctionAssignEvents:     true,
	ioctl.FunctionReadCounting:     true,
	ioctl.FunctionDSUInit:          true,
	ioctl.FunctionDSUReadCounting:  true,
	ioctl.FunctionDMCInit:          true,
	ioctl.FunctionDMCReadCounting:  true,
	ioctl.FunctionSampleSetSrc:     true,
	ioctl.FunctionSampleStart:      true,
	ioctl.FunctionSampleStop:       true,
	ioctl.FunctionSampleGet:        true,
	ioctl.FunctionSPEInit:          true,
	ioctl.FunctionSPEGetSize:       true,
	ioctl.FunctionSPEGetBuffer:     true,
	ioctl.FunctionSPEStart:         true,
	ioctl.FunctionSPEStop:          true,
}

// execute validates the opcode, enforces am_i_locking, and dispatches to
// the per-function handler. Validation always happens before any
// mutation (spec.md §7: "a rejected request leaves no trace").
func (d *Device) execute(item *workItem) ([]byte, error) {
	fn, ok := ioctl.FunctionOf(item.code)
	if !ok {
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "unknown opcode %#x", item.code)
	}

	if countingFunctions[fn] && !d.lock.AmILocking(item.tok) {
		return nil, errors.Wrapf(ioctl.ErrInvalidDeviceState, "%v: caller does not hold session lock", fn)
	}

	switch fn {
	case ioctl.FunctionLockAcquire:
		return d.handleLockAcquire(item)
	case ioctl.FunctionLockRelease:
		return d.handleLockRelease(item)
	case ioctl.FunctionStart:
		return d.handleStart(item)
	case ioctl.FunctionStop:
		return d.handleStop(item)
	case ioctl.FunctionReset:
		return d.handleReset(item)
	case ioctl.FunctionQueryHWCfg:
		return d.handleQueryHWCfg(item)
	case ioctl.FunctionQuerySuppEvents:
		return d.handleQuerySuppEvents(item)
	case ioctl.FunctionQueryVersion:
		return d.handleQueryVersion(item)
	case ioctl.FunctionAssignEvents:
		return d.handleAssignEvents(item)
	case ioctl.FunctionReadCounting:
		return d.handleReadCounting(item)
	case ioctl.FunctionDSUInit:
		return d.handleDSUInit(item)
	case ioctl.FunctionDSUReadCounting:
		return d.handleDSUReadCounting(item)
	case ioctl.FunctionDMCInit:
		return d.handleDMCInit(item)
	case ioctl.FunctionDMCReadCounting:
		return d.handleDMCReadCounting(item)
	case ioctl.FunctionSampleSetSrc:
		return d.handleSampleSetSrc(item)
	case ioctl.FunctionSampleStart:
		return d.handleSampleStart(item)
	case ioctl.FunctionSampleStop:
		return d.handleSampleStop(item)
	case ioctl.FunctionSampleGet:
		return d.handleSampleGet(item)
	case ioctl.FunctionSPEInit:
		return d.handleSPEInit(item)
	case ioctl.FunctionSPEGetSize:
		return d.handleSPEGetSize(item)
	case ioctl.FunctionSPEGetBuffer:
		return d.handleSPEGetBuffer(item)
	case ioctl.FunctionSPEStart:
		return d.handleSPEStart(item)
	case ioctl.FunctionSPEStop:
		return d.handleSPEStop(item)
	default:
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "unhandled function %v", fn)
	}
}

// checkOutBuf rejects a request whose advertised output buffer cannot
// hold want bytes (spec.md §7: BUFFER_TOO_SMALL).
func checkOutBuf(item *workItem, want int) error {
	if item.outBufSize < want {
		return errors.Wrapf(ioctl.ErrBufferTooSmall, "need %d bytes, have %d", want, item.outBufSize)
	}
	return nil
}

func (d *Device) handleLockAcquire(item *workItem) ([]byte, error) {
	var req ioctl.LockRequest
	if err := ioctl.Decode(item.input, &req); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}

	var mode lock.AcquireMode
	switch req.Flag {
	case ioctl.LockGet:
		mode = lock.ModeNormal
	case ioctl.LockGetForce:
		mode = lock.ModeForce
	default:
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "lock flag %v", req.Flag)
	}

	status := d.lock.Acquire(mode, item.tok)
	return ioctl.Encode(ioctl.LockResponse{Status: ioctl.StatusFlag(status)})
}

func (d *Device) handleLockRelease(item *workItem) ([]byte, error) {
	status := d.lock.Release(item.tok)
	return ioctl.Encode(ioctl.LockResponse{Status: ioctl.StatusFlag(status)})
}

// decodeCtlHdr decodes a PMUCtlHdr and validates its core list (spec.md
// §8 Invariant 4).
func decodeCtlHdr(input []byte) (ioctl.PMUCtlHdr, error) {
	var hdr ioctl.PMUCtlHdr
	if err := ioctl.Decode(input, &hdr); err != nil {
		return hdr, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	if !hdr.CoresIdx.Valid() {
		return hdr, errors.Wrap(ioctl.ErrInvalidParameter, "core index list")
	}
	return hdr, nil
}

func (d *Device) handleStart(item *workItem) ([]byte, error) {
	hdr, err := decodeCtlHdr(item.input)
	if err != nil {
		return nil, err
	}
	period := time.Duration(hdr.Period) * time.Millisecond
	if period <= 0 {
		ms, _ := d.cfg.Get("count.period")
		period = time.Duration(ms) * time.Millisecond
	}
	if err := d.sched.Start(hdr.CoresIdx.Cores(), period); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	return nil, nil
}

func (d *Device) handleStop(item *workItem) ([]byte, error) {
	hdr, err := decodeCtlHdr(item.input)
	if err != nil {
		return nil, err
	}
	if err := d.sched.Stop(hdr.CoresIdx.Cores()); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	return nil, nil
}

func (d *Device) handleReset(item *workItem) ([]byte, error) {
	hdr, err := decodeCtlHdr(item.input)
	if err != nil {
		return nil, err
	}
	if err := d.sched.Reset(hdr.CoresIdx.Cores()); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	return nil, nil
}

// handleQueryHWCfg answers QUERY_HW_CFG for the calling core's own
// register set. The CoresIdx in the request is expected to name exactly
// one core (spec.md §6, hw_cfg is per-core).
func (d *Device) handleQueryHWCfg(item *workItem) ([]byte, error) {
	hdr, err := decodeCtlHdr(item.input)
	if err != nil {
		return nil, err
	}
	cores := hdr.CoresIdx.Cores()
	coreIdx := 0
	if len(cores) > 0 {
		coreIdx = cores[0]
	}
	c, cerr := d.sched.Core(coreIdx)
	if cerr != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, cerr.Error())
	}

	if err := checkOutBuf(item, ioctl.Size(ioctl.HWCfg{})); err != nil {
		return nil, err
	}

	im := c.IndexMap()
	cfg := ioctl.HWCfg{
		PMUVer:      1,
		FPCNum:      scheduler.NumFPC,
		GPCNum:      uint8(c.FreeGPC()),
		TotalGPCNum: regs.MaxGPC,
		CoreNum:     uint16(d.coresCount),
		MIDRValue:   0x00000000410fd0c0, // simulated Cortex-class MIDR_EL1
	}
	for i := range cfg.CounterIdxMap {
		if i < len(im) {
			if im[i] == regs.InvalidCounterIndex {
				cfg.CounterIdxMap[i] = ioctl.InvalidCounterIdx
			} else {
				cfg.CounterIdxMap[i] = uint8(im[i])
			}
		}
	}
	copy(cfg.DeviceIDStr[:], "wperf-core-sim")
	return ioctl.Encode(cfg)
}

// handleQuerySuppEvents lists a small built-in set of simulated
// supported event IDs; a real device queries its own JSON event lists
// (spec.md §9, out of scope for this in-process simulation).
func (d *Device) handleQuerySuppEvents(item *workItem) ([]byte, error) {
	ids := []uint16{0x08, 0x11, 0x04, 0x03, 0x17}
	hdr := ioctl.EvtHdr{Class: ioctl.EvtCore, Num: uint16(len(ids))}
	hdrBytes, err := ioctl.Encode(hdr)
	if err != nil {
		return nil, err
	}
	out := append(hdrBytes, ioctl.EncodeEventIDs(ids)...)
	if err := checkOutBuf(item, len(out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) handleQueryVersion(item *workItem) ([]byte, error) {
	if err := checkOutBuf(item, ioctl.Size(ioctl.VersionInfo{})); err != nil {
		return nil, err
	}
	var v ioctl.VersionInfo
	v.Major, v.Minor, v.Patch = 4, 0, 0
	copyWChars(v.GitVer[:], "wperf-core-sim")
	copyWChars(v.FeatureString[:], "core,dsu,dmc,spe")
	return ioctl.Encode(v)
}

func copyWChars(dst []uint16, s string) {
	for i, r := range s {
		if i >= len(dst) {
			return
		}
		dst[i] = uint16(r)
	}
}

// handleAssignEvents decodes evt_hdr + trailing event IDs + the
// per-core assign header and binds them through the scheduler
// (spec.md §4.3 ASSIGN_EVENTS).
func (d *Device) handleAssignEvents(item *workItem) ([]byte, error) {
	var hdr ioctl.EvtHdr
	if len(item.input) < ioctl.Size(hdr) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "assign_events: short header")
	}
	headerSize := ioctl.Size(hdr)
	if err := ioctl.Decode(item.input[:headerSize], &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}

	rest := item.input[headerSize:]
	idsBytes := int(hdr.Num) * 2
	if len(rest) < idsBytes {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "assign_events: short id array")
	}
	ids, err := ioctl.DecodeEventIDs(rest[:idsBytes], hdr.Num)
	if err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}

	tail := rest[idsBytes:]
	var assign ioctl.EvtAssignHdr
	if len(tail) < ioctl.Size(assign) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "assign_events: short assign header")
	}
	if err := ioctl.Decode(tail[:ioctl.Size(assign)], &assign); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}

	switch hdr.Class {
	case ioctl.EvtCore:
		eventIDs := make([]uint32, len(ids))
		filterBits := make([]uint64, len(ids))
		for i, id := range ids {
			eventIDs[i] = uint32(id)
			filterBits[i] = assign.FilterBits
		}
		if err := d.sched.AssignEvents(int(assign.CoreIdx), eventIDs, filterBits); err != nil {
			return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
		}
	case ioctl.EvtDSU:
		d.assignDSUEvents(ids)
	case ioctl.EvtDMCClk:
		d.assignDMCEvents(int(assign.DMCIdx), ids, false)
	case ioctl.EvtDMCClkDiv2:
		d.assignDMCEvents(int(assign.DMCIdx), ids, true)
	default:
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "evt class %v", hdr.Class)
	}
	return nil, nil
}

func (d *Device) assignDSUEvents(ids []uint16) {
	d.dsuEvents = d.dsuEvents[:0]
	for i, id := range ids {
		if i >= regs.DSUMaxGPC {
			break
		}
		_ = d.dsu.CounterSetType(i, uint32(id))
		d.dsu.CounterEnable(1 << uint(i))
		d.dsuEvents = append(d.dsuEvents, dsuEvent{eventID: uint32(id), physIdx: i})
	}
}

func (d *Device) assignDMCEvents(dmcIdx int, ids []uint16, clkDiv2 bool) {
	if dmcIdx < 0 || dmcIdx >= len(d.dmcs) {
		return
	}
	dmc := d.dmcs[dmcIdx]
	for len(d.dmcEvents) <= dmcIdx {
		d.dmcEvents = append(d.dmcEvents, nil)
	}
	d.dmcEvents[dmcIdx] = d.dmcEvents[dmcIdx][:0]
	max := regs.DMCMaxClkEvents
	if clkDiv2 {
		max = regs.DMCMaxClkDiv2Events
	}
	for i, id := range ids {
		if i >= max {
			break
		}
		if clkDiv2 {
			_ = dmc.ClkDiv2CounterEnable(i, uint8(id))
		} else {
			_ = dmc.ClkCounterEnable(i, uint8(id))
		}
		d.dmcEvents[dmcIdx] = append(d.dmcEvents[dmcIdx], dmcEvent{eventID: uint32(id), idx: i, isClkDiv2: clkDiv2})
	}
}

// handleReadCounting answers READ_COUNTING: snapshot the calling core's
// pseudo-event array into the wire ReadOut struct (spec.md §4.3).
func (d *Device) handleReadCounting(item *workItem) ([]byte, error) {
	hdr, err := decodeCtlHdr(item.input)
	if err != nil {
		return nil, err
	}
	cores := hdr.CoresIdx.Cores()
	coreIdx := 0
	if len(cores) > 0 {
		coreIdx = cores[0]
	}
	c, cerr := d.sched.Core(coreIdx)
	if cerr != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, cerr.Error())
	}

	if err := checkOutBuf(item, ioctl.Size(ioctl.ReadOut{})); err != nil {
		return nil, err
	}

	events := c.Events()
	var out ioctl.ReadOut
	out.EvtNum = uint32(len(events))
	out.Round = c.Round()
	for i, e := range events {
		if i >= len(out.Evts) {
			break
		}
		idx := uint32(ioctl.CycleEventIdx)
		if i != scheduler.CycleEventIndex {
			idx = e.EventID
		}
		out.Evts[i] = ioctl.PMUEventUsr{
			EventIdx:   idx,
			FilterBits: e.FilterBits,
			Value:      e.AccumulatedValue,
			Scheduled:  e.ScheduledRounds,
		}
	}
	return ioctl.Encode(out)
}

func (d *Device) handleDSUInit(item *workItem) ([]byte, error) {
	var hdr ioctl.DSUCtlHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.DSUCfg{})); err != nil {
		return nil, err
	}
	d.dsu.CounterReset()
	d.dsuEvents = nil
	return ioctl.Encode(ioctl.DSUCfg{FPCNum: 1, GPCNum: regs.DSUMaxGPC})
}

func (d *Device) handleDSUReadCounting(item *workItem) ([]byte, error) {
	if err := checkOutBuf(item, ioctl.Size(ioctl.DSUReadOut{})); err != nil {
		return nil, err
	}
	var out ioctl.DSUReadOut
	out.EvtNum = uint32(len(d.dsuEvents))
	for i, e := range d.dsuEvents {
		if i >= len(out.Evts) {
			break
		}
		v, _ := d.dsu.ReadCounter(e.physIdx)
		out.Evts[i] = ioctl.PMUEventUsr{EventIdx: e.eventID, Value: v}
	}
	return ioctl.Encode(out)
}

func (d *Device) handleDMCInit(item *workItem) ([]byte, error) {
	var hdr ioctl.DMCCtlHdr
	if len(item.input) < ioctl.Size(hdr) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "dmc_init: short header")
	}
	if err := ioctl.Decode(item.input[:ioctl.Size(hdr)], &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	if int(hdr.DMCNum) >= len(d.dmcs) {
		return nil, errors.Wrap(ioctl.ErrInsufficientResources, "dmc_init: no such controller")
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.DMCCfg{})); err != nil {
		return nil, err
	}
	for _, dmc := range d.dmcs {
		dmc.CounterReset()
	}
	d.dmcEvents = nil
	return ioctl.Encode(ioctl.DMCCfg{
		ClkFPCNum:     0,
		ClkGPCNum:     regs.DMCMaxClkEvents,
		ClkDiv2FPCNum: 0,
		ClkDiv2GPCNum: regs.DMCMaxClkDiv2Events,
	})
}

func (d *Device) handleDMCReadCounting(item *workItem) ([]byte, error) {
	var hdr ioctl.DMCCtlHdr
	if len(item.input) < ioctl.Size(hdr) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "dmc_read_counting: short header")
	}
	if err := ioctl.Decode(item.input[:ioctl.Size(hdr)], &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.DMCReadOut{})); err != nil {
		return nil, err
	}
	var out ioctl.DMCReadOut
	if int(hdr.DMCNum) < len(d.dmcEvents) {
		dmc := d.dmcs[hdr.DMCNum]
		for _, e := range d.dmcEvents[hdr.DMCNum] {
			if e.isClkDiv2 {
				if int(out.ClkDiv2EventsNum) >= len(out.ClkDiv2Events) {
					continue
				}
				v, _ := dmc.ReadClkDiv2Counter(e.idx)
				out.ClkDiv2Events[out.ClkDiv2EventsNum] = ioctl.PMUEventUsr{EventIdx: e.eventID, Value: v}
				out.ClkDiv2EventsNum++
			} else {
				if int(out.ClkEventsNum) >= len(out.ClkEvents) {
					continue
				}
				v, _ := dmc.ReadClkCounter(e.idx)
				out.ClkEvents[out.ClkEventsNum] = ioctl.PMUEventUsr{EventIdx: e.eventID, Value: v}
				out.ClkEventsNum++
			}
		}
	}
	return ioctl.Encode(out)
}

func (d *Device) handleSampleSetSrc(item *workItem) ([]byte, error) {
	var hdr ioctl.SampleSetSrcHdr
	if len(item.input) < ioctl.Size(hdr) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "sample_set_src: short header")
	}
	headerSize := ioctl.Size(hdr)
	if err := ioctl.Decode(item.input[:headerSize], &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	rest := item.input[headerSize:]
	var one ioctl.SampleSrcDesc
	n := len(rest) / ioctl.Size(one)

	sampler, ok := d.samplers[int(hdr.CoreIdx)]
	if !ok {
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "sample_set_src: core %d", hdr.CoreIdx)
	}

	sources := make([]sampling.SampleSrcDesc, 0, n)
	for i := 0; i < n; i++ {
		off := i * ioctl.Size(one)
		if err := ioctl.Decode(rest[off:off+ioctl.Size(one)], &one); err != nil {
			return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
		}
		sources = append(sources, sampling.SampleSrcDesc{
			EventSrc:   one.EventSrc,
			Interval:   one.Interval,
			FilterBits: one.FilterBits,
		})
	}

	if err := sampler.SetSrc(sources); err != nil {
		return nil, errors.Wrap(ioctl.ErrInsufficientResources, err.Error())
	}
	return nil, nil
}

func (d *Device) coreSampler(item *workItem) (*sampling.CoreSampler, uint32, error) {
	var hdr ioctl.GetSampleHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, 0, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	sampler, ok := d.samplers[int(hdr.CoreIdx)]
	if !ok {
		return nil, 0, errors.Wrapf(ioctl.ErrInvalidParameter, "core %d", hdr.CoreIdx)
	}
	return sampler, hdr.CoreIdx, nil
}

func (d *Device) handleSampleStart(item *workItem) ([]byte, error) {
	sampler, _, err := d.coreSampler(item)
	if err != nil {
		return nil, err
	}
	sampler.Start()
	return nil, nil
}

func (d *Device) handleSampleStop(item *workItem) ([]byte, error) {
	sampler, _, err := d.coreSampler(item)
	if err != nil {
		return nil, err
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.SampleSummary{})); err != nil {
		return nil, err
	}
	generated, dropped := sampler.Stop()
	return ioctl.Encode(ioctl.SampleSummary{SamplesGenerated: generated, SamplesDropped: dropped})
}

func (d *Device) handleSampleGet(item *workItem) ([]byte, error) {
	sampler, _, err := d.coreSampler(item)
	if err != nil {
		return nil, err
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.SamplePayload{})); err != nil {
		return nil, err
	}
	frames := sampler.Drain()
	var out ioctl.SamplePayload
	out.Size = uint32(len(frames))
	for i, f := range frames {
		if i >= len(out.Payload) {
			break
		}
		out.Payload[i] = ioctl.FrameChain{LR: f.LR, PC: f.PC, OVFlags: f.OverflowFlags, SPEEventIdx: f.SPEEventIndex}
	}
	return ioctl.Encode(out)
}

func (d *Device) speEngine(coresIdx ioctl.CoresIdx) (*sampling.SPEEngine, int, error) {
	if !coresIdx.Valid() {
		return nil, 0, errors.Wrap(ioctl.ErrInvalidParameter, "spe: core index list")
	}
	cores := coresIdx.Cores()
	coreIdx := 0
	if len(cores) > 0 {
		coreIdx = cores[0]
	}
	e, ok := d.speEngines[coreIdx]
	if !ok {
		return nil, 0, errors.Wrapf(ioctl.ErrInvalidParameter, "spe: core %d", coreIdx)
	}
	return e, coreIdx, nil
}

func (d *Device) handleSPEInit(item *workItem) ([]byte, error) {
	var hdr ioctl.SPECtlHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	_, coreIdx, err := d.speEngine(hdr.CoresIdx)
	if err != nil {
		return nil, err
	}
	d.speRegs[coreIdx].Init()
	d.speLastCopy[coreIdx] = 0
	return nil, nil
}

func (d *Device) handleSPEStart(item *workItem) ([]byte, error) {
	var hdr ioctl.SPECtlHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	e, _, err := d.speEngine(hdr.CoresIdx)
	if err != nil {
		return nil, err
	}
	e.Start(hdr.OperationFilter, hdr.EventFilter, hdr.ConfigFlags, hdr.Interval)
	return nil, nil
}

func (d *Device) handleSPEStop(item *workItem) ([]byte, error) {
	var hdr ioctl.SPECtlHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	e, _, err := d.speEngine(hdr.CoresIdx)
	if err != nil {
		return nil, err
	}
	e.Stop()
	return nil, nil
}

func (d *Device) handleSPEGetSize(item *workItem) ([]byte, error) {
	var hdr ioctl.SPECtlHdr
	if err := ioctl.Decode(item.input, &hdr); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	if !hdr.CoresIdx.Valid() {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "spe_get_size: core index list")
	}
	cores := hdr.CoresIdx.Cores()
	coreIdx := 0
	if len(cores) > 0 {
		coreIdx = cores[0]
	}
	rf, ok := d.speRegs[coreIdx]
	if !ok {
		return nil, errors.Wrapf(ioctl.ErrInvalidParameter, "spe_get_size: core %d", coreIdx)
	}
	if err := checkOutBuf(item, ioctl.Size(ioctl.SPESizeResponse{})); err != nil {
		return nil, err
	}
	delta := rf.BufferPointer() - d.speLastCopy[coreIdx]
	return ioctl.Encode(ioctl.SPESizeResponse{Delta: delta})
}

func (d *Device) handleSPEGetBuffer(item *workItem) ([]byte, error) {
	var req ioctl.SPEBufferRequest
	if len(item.input) < ioctl.Size(req) {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "spe_get_buffer: short request")
	}
	if err := ioctl.Decode(item.input[:ioctl.Size(req)], &req); err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}

	// SPEBufferRequest carries only a size and no core index, so
	// SPE_GET_BUFFER always reads core 0's SPE buffer, matching the
	// single-session assumption elsewhere in this in-process device.
	coreIdx := 0
	rf, ok := d.speRegs[coreIdx]
	if !ok {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, "spe_get_buffer: no such core")
	}

	if err := checkOutBuf(item, int(req.Size)); err != nil {
		return nil, err
	}

	buf := make([]byte, req.Size)
	offset := d.speLastCopy[coreIdx]
	n, err := rf.CopyBuffer(buf, offset, req.Size)
	if err != nil {
		return nil, errors.Wrap(ioctl.ErrInvalidParameter, err.Error())
	}
	d.speLastCopy[coreIdx] = offset + uint64(n)
	return buf[:n], nil
}
