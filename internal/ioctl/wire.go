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

package ioctl

// Size constants carried over verbatim from
// original_source/wperf-common/macros.h.
const (
	MaxPMUCtlCoresCount        = 128
	MaxManagedCoreEvents       = 128
	MaxManagedDSUEvents        = 32
	MaxManagedDMCClkEvents     = 4
	MaxManagedDMCClkDiv2Events = 8
	SampleChainBufferSize      = 128
	AArch64MaxHWCSupp          = 31
	MaxDeviceIDStrSize         = 128
	MaxGitverSize              = 32
	MaxFeatureStringSize       = 128

	// CycleEventIdx is the sentinel evt_idx value reserved for the fixed
	// cycle event in a pmu_event_usr / request event list.
	CycleEventIdx = 0xFFFFFFFF

	// InvalidCounterIdx is the wire value of a logical event with no
	// physical counter assigned (spec.md §4.3).
	InvalidCounterIdx = 32
)

// EvtClass enumerates the evt_hdr event classes (spec.md §6).
type EvtClass uint32

const (
	EvtCore EvtClass = iota
	EvtDSU
	EvtDMCClk
	EvtDMCClkDiv2
)

// LockFlag selects lock_request.flag (spec.md §6).
type LockFlag uint32

const (
	LockGet LockFlag = iota
	LockGetForce
	LockRelease
)

// StatusFlag mirrors enum status_flag (spec.md §3 Lock State, §6).
type StatusFlag uint32

const (
	StatusIdle StatusFlag = iota
	StatusBusy
	StatusLockAcquired
	StatusInsufficientResources
	StatusUnknownError
)

// CTL flag bits of pmu_ctl_hdr.flags (spec.md §6).
const (
	CtlFlagCore uint32 = 1 << 0
	CtlFlagDSU  uint32 = 1 << 1
	CtlFlagDMC  uint32 = 1 << 2
	CtlFlagSPE  uint32 = 1 << 3
)

// SPE operation-filter and config-flag bits (spec.md §6, spe_ctl_hdr).
const (
	SPEOperationFilterB  uint8 = 0b001
	SPEOperationFilterLD uint8 = 0b010
	SPEOperationFilterST uint8 = 0b100

	SPECtlFlagRND uint32 = 1 << 0
	SPECtlFlagTS  uint32 = 1 << 1
	SPECtlFlagMin uint32 = 1 << 2
)

// LockRequest is the lock_request wire struct.
type LockRequest struct {
	Flag LockFlag
}

// LockResponse carries the status_flag a LOCK_ACQUIRE/LOCK_RELEASE call
// returns.
type LockResponse struct {
	Status StatusFlag
}

// CoresIdx is pmu_ctl_cores_count_hdr: an explicit count plus a fixed-size
// core-number array (spec.md §3, §8 Invariant 4).
type CoresIdx struct {
	Count   uint64
	CoresNo [MaxPMUCtlCoresCount]uint8
}

// Valid implements check_cores_in_pmu_ctl_hdr_p (spec.md §8 Invariant 4):
// true iff Count < MaxPMUCtlCoresCount and every listed core number is
// also < MaxPMUCtlCoresCount.
func (c CoresIdx) Valid() bool {
	if c.Count >= MaxPMUCtlCoresCount {
		return false
	}
	for i := uint64(0); i < c.Count; i++ {
		if c.CoresNo[i] >= MaxPMUCtlCoresCount {
			return false
		}
	}
	return true
}

// Cores returns the listed core numbers as a plain int slice.
func (c CoresIdx) Cores() []int {
	out := make([]int, 0, c.Count)
	for i := uint64(0); i < c.Count && i < MaxPMUCtlCoresCount; i++ {
		out = append(out, int(c.CoresNo[i]))
	}
	return out
}

// NewCoresIdx packs cores into a CoresIdx, truncating silently at
// MaxPMUCtlCoresCount (callers validate with Valid before trusting it).
func NewCoresIdx(cores []int) CoresIdx {
	var c CoresIdx
	for _, core := range cores {
		if c.Count >= MaxPMUCtlCoresCount || core < 0 || core >= MaxPMUCtlCoresCount {
			continue
		}
		c.CoresNo[c.Count] = uint8(core)
		c.Count++
	}
	return c
}

// PMUCtlHdr is pmu_ctl_hdr: the common header for START/STOP/RESET and
// related core-programming IOCTLs (spec.md §6).
type PMUCtlHdr struct {
	CoresIdx CoresIdx
	Period   int32
	DMCIdx   uint8
	Flags    uint32
}

// HWCfg is the hw_cfg response of QUERY_HW_CFG (spec.md §6).
type HWCfg struct {
	PMUVer          uint8
	FPCNum          uint8
	GPCNum          uint8
	TotalGPCNum     uint8
	VendorID        uint8
	VariantID       uint8
	ArchID          uint8
	RevID           uint8
	PartID          uint16
	CoreNum         uint16
	MIDRValue       uint64
	IDAA64DFR0Value uint64
	CounterIdxMap   [AArch64MaxHWCSupp + 1]uint8
	DeviceIDStr     [MaxDeviceIDStrSize]byte
	PMBIDREL1Value  uint64
	PMSIDREL1Value  uint64
}

// VersionInfo is version_info, the QUERY_VERSION response.
type VersionInfo struct {
	Major, Minor, Patch uint8
	_                   [5]byte // natural alignment pad before the WCHAR arrays
	GitVer              [MaxGitverSize]uint16
	FeatureString       [MaxFeatureStringSize]uint16
}

// SampleSrcDesc is SampleSrcDesc, one sampling source descriptor
// (spec.md §6).
type SampleSrcDesc struct {
	EventSrc   uint32
	Interval   uint32
	FilterBits uint32
}

// SampleSetSrcHdr is PMUSampleSetSrcHdr's fixed header; the variable-length
// Sources array that follows it in the C struct is carried as a separate
// slice at the Go API boundary (encoding/binary cannot size a flexible
// array member).
type SampleSetSrcHdr struct {
	CoreIdx uint32
}

// SampleSummary is PMUSampleSummary, the SAMPLE_STOP response.
type SampleSummary struct {
	SamplesGenerated uint64
	SamplesDropped   uint64
}

// FrameChain is one PC/LR sample, FrameChain (spec.md §3, §6).
type FrameChain struct {
	LR          uint64
	PC          uint64
	OVFlags     uint64
	SPEEventIdx uint32
	_           uint32 // pad to natural 8-byte alignment
}

// GetSampleHdr is PMUCtlGetSampleHdr, the SAMPLE_GET request.
type GetSampleHdr struct {
	CoreIdx uint32
}

// SamplePayload is PMUSamplePayload, the SAMPLE_GET response: a fixed
// SampleChainBufferSize-entry array with Size indicating how many of
// those entries are populated (spec.md §6).
type SamplePayload struct {
	Size    uint32
	_       uint32
	Payload [SampleChainBufferSize]FrameChain
}

// EvtHdr is evt_hdr: the fixed header preceding `Num` u16 event IDs in
// ASSIGN_EVENTS / QUERY_SUPP_EVENTS requests and responses (spec.md §6).
// As with SampleSetSrcHdr, the trailing event-ID array is carried
// separately at the Go API boundary.
type EvtHdr struct {
	Class EvtClass
	Num   uint16
}

// EvtAssignHdr is pmu_ctl_evt_assign_hdr: ASSIGN_EVENTS' per-core header.
type EvtAssignHdr struct {
	CoreIdx    uint32
	DMCIdx     uint8
	_          [7]byte
	FilterBits uint64
}

// PMUEventUsr is pmu_event_usr: one user-visible event's accumulated
// state (spec.md §6).
type PMUEventUsr struct {
	EventIdx   uint32
	_          uint32
	FilterBits uint64
	Value      uint64
	Scheduled  uint64
}

// ReadOut is ReadOut, the READ_COUNTING response (spec.md §6).
type ReadOut struct {
	EvtNum uint32
	_      uint32
	Round  uint64
	Evts   [MaxManagedCoreEvents]PMUEventUsr
}

// DSUCtlHdr is dsu_ctl_hdr, the DSU_INIT request.
type DSUCtlHdr struct {
	ClusterNum  uint16
	ClusterSize uint16
}

// DSUCfg is dsu_cfg, the DSU_INIT response.
type DSUCfg struct {
	FPCNum uint8
	GPCNum uint8
}

// DSUReadOut is DSUReadOut, the DSU_READ_COUNTING response.
type DSUReadOut struct {
	EvtNum uint32
	_      uint32
	Round  uint64
	Evts   [MaxManagedDSUEvents]PMUEventUsr
}

// DMCCtlHdr is dmc_ctl_hdr's fixed part: DMCNum addresses one memory
// controller by index (the flexible `addr[]` array the original struct
// carries for multi-DMC MMIO discovery is out of scope for this
// in-process simulation, which pre-registers every DMC at device
// construction instead).
type DMCCtlHdr struct {
	DMCNum uint8
}

// DMCCfg is dmc_cfg, the DMC_INIT response.
type DMCCfg struct {
	ClkFPCNum     uint8
	ClkGPCNum     uint8
	ClkDiv2FPCNum uint8
	ClkDiv2GPCNum uint8
}

// DMCReadOut is dmc_pmu_event_read_out, the DMC_READ_COUNTING response.
type DMCReadOut struct {
	ClkEvents        [MaxManagedDMCClkEvents]PMUEventUsr
	ClkDiv2Events    [MaxManagedDMCClkDiv2Events]PMUEventUsr
	ClkEventsNum     uint8
	ClkDiv2EventsNum uint8
	_                [6]byte
}

// SPECtlHdr is spe_ctl_hdr, the request shared by SPE_INIT/SPE_START
// (spec.md §6).
type SPECtlHdr struct {
	CoresIdx        CoresIdx
	BufferSize      uint64
	OperationFilter uint8
	_               [7]byte
	EventFilter     uint64
	ConfigFlags     uint32
	Interval        uint32
}

// SPESizeResponse is the SPE_GET_SIZE response: how many unread bytes
// are available since the last SPE_GET_BUFFER.
type SPESizeResponse struct {
	Delta uint64
}

// SPEBufferRequest is the SPE_GET_BUFFER request: how many bytes to copy.
type SPEBufferRequest struct {
	Size uint64
}
