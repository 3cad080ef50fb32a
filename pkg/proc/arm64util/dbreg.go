package arm64util

import (
	"encoding/binary"
	"fmt"
)

// Debug architecture versions reported in the ID_AA64DFR0_EL1.DebugVer
// field.
const (
	DebugArchV8   = 0x6
	DebugArchV8_1 = 0x7
	DebugArchV8_2 = 0x8
	DebugArchV8_4 = 0x9
)

// ValidDebugArch returns true if ver is a debug architecture whose
// breakpoint and watchpoint registers are understood.
func ValidDebugArch(ver uint8) bool {
	switch ver {
	case DebugArchV8, DebugArchV8_1, DebugArchV8_2, DebugArchV8_4:
		return true
	}
	return false
}

// DBRegSize is the size of struct dbreg on FreeBSD/arm64.
const DBRegSize = 8 + (HBPMaxNum+HWPMaxNum)*dbregEntrySize

const dbregEntrySize = 16

// DBRegEntry is a single address/control register pair.
type DBRegEntry struct {
	Addr uint64
	Ctrl uint32
}

// DBReg is the block read by PT_GETDBREGS and written by PT_SETDBREGS:
//
//	struct dbreg {
//		uint8_t db_debug_ver;
//		uint8_t db_nbkpts;
//		uint8_t db_nwtpts;
//		uint8_t db_pad[5];
//		struct { uint64_t dbr_addr; uint32_t dbr_ctrl; uint32_t dbr_pad; } db_breakregs[16];
//		struct { uint64_t dbr_addr; uint32_t dbr_ctrl; uint32_t dbr_pad; } db_watchregs[16];
//	};
type DBReg struct {
	DebugVer  uint8
	NumBkpts  uint8
	NumWtpts  uint8
	BreakRegs [HBPMaxNum]DBRegEntry
	WatchRegs [HWPMaxNum]DBRegEntry
}

// Bytes encodes r in the kernel layout.
func (r *DBReg) Bytes() []byte {
	b := make([]byte, DBRegSize)
	b[0], b[1], b[2] = r.DebugVer, r.NumBkpts, r.NumWtpts
	off := 8
	for _, regs := range [][]DBRegEntry{r.BreakRegs[:], r.WatchRegs[:]} {
		for _, e := range regs {
			binary.LittleEndian.PutUint64(b[off:], e.Addr)
			binary.LittleEndian.PutUint32(b[off+8:], e.Ctrl)
			off += dbregEntrySize
		}
	}
	return b
}

// ParseDBReg decodes a block in the kernel layout.
func ParseDBReg(b []byte) (DBReg, error) {
	var r DBReg
	if len(b) < DBRegSize {
		return r, fmt.Errorf("debug register block too short: %d bytes", len(b))
	}
	r.DebugVer, r.NumBkpts, r.NumWtpts = b[0], b[1], b[2]
	off := 8
	for _, regs := range [][]DBRegEntry{r.BreakRegs[:], r.WatchRegs[:]} {
		for i := range regs {
			regs[i].Addr = binary.LittleEndian.Uint64(b[off:])
			regs[i].Ctrl = binary.LittleEndian.Uint32(b[off+8:])
			off += dbregEntrySize
		}
	}
	return r, nil
}

// SlotCounts returns the number of usable breakpoint and watchpoint slots
// described by r. Unknown debug architectures have no usable slots.
// Counts above the supported maximum are clamped and reported through
// warnf.
func (r *DBReg) SlotCounts(warnf func(format string, args ...interface{})) (numBp, numWp int) {
	if !ValidDebugArch(r.DebugVer) {
		return 0, 0
	}
	numBp, numWp = int(r.NumBkpts), int(r.NumWtpts)
	if numBp > HBPMaxNum {
		warnf("Unexpected number of hardware breakpoint registers reported by ptrace, got %d, expected %d.", numBp, HBPMaxNum)
		numBp = HBPMaxNum
	}
	if numWp > HWPMaxNum {
		warnf("Unexpected number of hardware watchpoint registers reported by ptrace, got %d, expected %d.", numWp, HWPMaxNum)
		numWp = HWPMaxNum
	}
	return numBp, numWp
}

// DBRegFromState returns the block that programs a thread with the slots
// of s.
func DBRegFromState(s *DebugRegState) DBReg {
	var r DBReg
	for i := 0; i < s.NumBp; i++ {
		r.BreakRegs[i] = DBRegEntry{Addr: s.BpAddr[i], Ctrl: s.BpCtrl[i]}
	}
	for i := 0; i < s.NumWp; i++ {
		r.WatchRegs[i] = DBRegEntry{Addr: s.WpAddr[i], Ctrl: s.WpCtrl[i]}
	}
	return r
}
