package arm64util

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// HBPMaxNum is the maximum number of hardware breakpoint registers.
	HBPMaxNum = 16
	// HWPMaxNum is the maximum number of hardware watchpoint registers.
	HWPMaxNum = 16

	// hwpMaxLenPerReg is the largest region a single watchpoint register
	// can cover. Watched regions are aligned to it.
	hwpMaxLenPerReg = 8
	// bpAlignment is the required alignment of a hardware breakpoint.
	bpAlignment = 4
)

// PointType is the kind of access a hardware point triggers on.
type PointType uint8

const (
	HWWrite PointType = iota
	HWRead
	HWAccess
	HWExecute
)

func (typ PointType) String() string {
	switch typ {
	case HWWrite:
		return "hw-write"
	case HWRead:
		return "hw-read"
	case HWAccess:
		return "hw-access"
	case HWExecute:
		return "hw-execute"
	}
	return fmt.Sprintf("PointType(%d)", uint8(typ))
}

// ErrSlotsExhausted is returned when no debug register is free for a new
// hardware point. Callers may fall back to software breakpoints.
var ErrSlotsExhausted = errors.New("hardware debug registers exhausted")

// ErrUnalignedPoint is returned for hardware breakpoints at an address or
// with a length the hardware can't express.
var ErrUnalignedPoint = errors.New("unsupported hardware breakpoint address or length")

// DebugRegState is the mirror of the hardware debug registers of a
// process. Debug registers are per thread on the CPU but the debugger
// treats them as process wide: every thread of the process is programmed
// with the same slot arrays before it is resumed.
//
// A slot is in use iff its reference count is nonzero.
type DebugRegState struct {
	BpAddr     [HBPMaxNum]uint64
	BpCtrl     [HBPMaxNum]uint32
	BpRefCount [HBPMaxNum]int

	WpAddr     [HWPMaxNum]uint64
	WpAddrOrig [HWPMaxNum]uint64
	WpCtrl     [HWPMaxNum]uint32
	WpRefCount [HWPMaxNum]int

	// NumBp and NumWp are the number of slots the hardware implements, as
	// reported by the kernel. Zero means the hardware was never probed or
	// has no debug registers.
	NumBp, NumWp int
}

// Control word layout of DBGBCR<n>_EL1 and DBGWCR<n>_EL1.
//
//	bit 0      enable
//	bits 1-2   privilege mode (2 = EL0)
//	bits 3-4   load/store control (watchpoints only)
//	bits 5-12  byte address select
const (
	ctrlEnable  = 0x1
	ctrlPrivEL0 = 2 << 1
)

func controlType(typ PointType) uint32 {
	switch typ {
	case HWExecute:
		return 0
	case HWRead:
		return 1
	case HWWrite:
		return 2
	case HWAccess:
		return 3
	}
	panic(fmt.Sprintf("unknown hardware point type %d", typ))
}

// encodeCtrl returns an enabled control word selecting length bytes at
// offset from the aligned address.
func encodeCtrl(typ PointType, offset, length int) uint32 {
	ctrl := controlType(typ) << 3
	ctrl |= ((1 << uint(length)) - 1) << uint(5+offset)
	ctrl |= ctrlPrivEL0
	ctrl |= ctrlEnable
	return ctrl
}

func ctrlEnabled(ctrl uint32) bool {
	return ctrl&ctrlEnable != 0
}

func ctrlDisable(ctrl uint32) uint32 {
	return ctrl &^ ctrlEnable
}

func ctrlTypeBits(ctrl uint32) uint32 {
	return (ctrl >> 3) & 0x3
}

func ctrlMask(ctrl uint32) uint32 {
	return (ctrl >> 5) & 0xff
}

// WatchpointOffset returns the offset of the first watched byte from the
// aligned watchpoint address.
func WatchpointOffset(ctrl uint32) int {
	mask := ctrlMask(ctrl)
	if mask == 0 {
		return 0
	}
	return bits.TrailingZeros32(mask)
}

// WatchpointLength returns the number of bytes watched.
func WatchpointLength(ctrl uint32) int {
	return bits.OnesCount32(ctrlMask(ctrl))
}

func alignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

// AlignWatchpoint splits the region [addr, addr+length) into the first
// chunk a single watchpoint register can cover. It returns the aligned
// address, the offset and length of the chunk relative to it, and the
// region left over.
func AlignWatchpoint(addr uint64, length int) (alignedAddr uint64, offset, size int, nextAddr uint64, nextLen int) {
	alignedAddr = alignDown(addr, hwpMaxLenPerReg)
	offset = int(addr - alignedAddr)
	size = length
	if offset+length >= hwpMaxLenPerReg {
		size = hwpMaxLenPerReg - offset
	}
	return alignedAddr, offset, size, addr + uint64(size), length - size
}

type slotTable struct {
	addr     []uint64
	addrOrig []uint64
	ctrl     []uint32
	ref      []int
}

func (s *DebugRegState) table(typ PointType) slotTable {
	if typ == HWExecute {
		return slotTable{addr: s.BpAddr[:s.NumBp], ctrl: s.BpCtrl[:s.NumBp], ref: s.BpRefCount[:s.NumBp]}
	}
	return slotTable{addr: s.WpAddr[:s.NumWp], addrOrig: s.WpAddrOrig[:s.NumWp], ctrl: s.WpCtrl[:s.NumWp], ref: s.WpRefCount[:s.NumWp]}
}

func (tbl slotTable) matches(i int, addr, addrOrig uint64, ctrl uint32) bool {
	return tbl.addr[i] == addr && (tbl.addrOrig == nil || tbl.addrOrig[i] == addrOrig) && tbl.ctrl[i] == ctrl
}

// insertOne records one aligned point, sharing an identical slot if one
// exists. It returns true if a slot was newly allocated.
func (s *DebugRegState) insertOne(typ PointType, addr uint64, offset, length int, addrOrig uint64) (bool, error) {
	tbl := s.table(typ)
	ctrl := encodeCtrl(typ, offset, length)

	free, idx := -1, -1
	for i := range tbl.ctrl {
		if !ctrlEnabled(tbl.ctrl[i]) {
			if free < 0 && tbl.ref[i] == 0 {
				free = i
			}
			continue
		}
		if tbl.matches(i, addr, addrOrig, ctrl) {
			idx = i
			break
		}
	}

	if idx >= 0 {
		tbl.ref[idx]++
		return false, nil
	}
	if free < 0 {
		return false, ErrSlotsExhausted
	}
	tbl.addr[free] = addr
	if tbl.addrOrig != nil {
		tbl.addrOrig[free] = addrOrig
	}
	tbl.ctrl[free] = ctrl
	tbl.ref[free] = 1
	return true, nil
}

// removeOne drops a reference to an aligned point. It returns true if the
// slot was released.
func (s *DebugRegState) removeOne(typ PointType, addr uint64, offset, length int, addrOrig uint64) (bool, error) {
	tbl := s.table(typ)
	ctrl := encodeCtrl(typ, offset, length)

	for i := range tbl.ctrl {
		if !tbl.matches(i, addr, addrOrig, ctrl) {
			continue
		}
		tbl.ref[i]--
		if tbl.ref[i] > 0 {
			return false, nil
		}
		tbl.ctrl[i] = ctrlDisable(ctrl)
		tbl.addr[i] = 0
		if tbl.addrOrig != nil {
			tbl.addrOrig[i] = 0
		}
		return true, nil
	}
	return false, fmt.Errorf("no %s point at %#x", typ, addr)
}

// InsertPoint adds a hardware breakpoint (HWExecute) or watchpoint
// covering [addr, addr+length). The returned flag is true if any slot was
// newly allocated, meaning the threads of the process must be
// reprogrammed.
func (s *DebugRegState) InsertPoint(typ PointType, addr uint64, length int) (changed bool, err error) {
	if typ == HWExecute {
		if !breakpointAligned(addr, length) {
			return false, ErrUnalignedPoint
		}
		return s.insertOne(typ, addr, 0, length, addr)
	}
	if length <= 0 {
		return false, fmt.Errorf("invalid watchpoint length %d", length)
	}

	type chunk struct {
		addr           uint64
		offset, length int
	}
	var done []chunk
	addrOrig := addr
	for length > 0 {
		var c chunk
		c.addr, c.offset, c.length, addr, length = AlignWatchpoint(addr, length)
		ch, err := s.insertOne(typ, c.addr, c.offset, c.length, addrOrig)
		if err != nil {
			for _, d := range done {
				if rch, _ := s.removeOne(typ, d.addr, d.offset, d.length, addrOrig); rch {
					changed = true
				}
			}
			return changed, err
		}
		changed = changed || ch
		done = append(done, c)
	}
	return changed, nil
}

// RemovePoint drops a reference to a point inserted by InsertPoint. The
// returned flag is true if any slot was released.
func (s *DebugRegState) RemovePoint(typ PointType, addr uint64, length int) (changed bool, err error) {
	if typ == HWExecute {
		if !breakpointAligned(addr, length) {
			return false, ErrUnalignedPoint
		}
		return s.removeOne(typ, addr, 0, length, addr)
	}
	addrOrig := addr
	for length > 0 {
		var aligned uint64
		var offset, size int
		aligned, offset, size, addr, length = AlignWatchpoint(addr, length)
		ch, err := s.removeOne(typ, aligned, offset, size, addrOrig)
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}
	return changed, nil
}

func breakpointAligned(addr uint64, length int) bool {
	if length != 4 && length != 2 {
		return false
	}
	return addr%bpAlignment == 0
}

// StoppedDataAddress returns the address originally requested for the
// watchpoint that triggered a trap at trap.
//
// The CPU may report an address below the watched bytes when an access
// straddles the start of the region, so every address from the aligned
// watchpoint address onwards matches. Slots are scanned from the highest
// index down.
func (s *DebugRegState) StoppedDataAddress(trap uint64) (uint64, bool) {
	for i := s.NumWp - 1; i >= 0; i-- {
		if s.WpRefCount[i] == 0 || !ctrlEnabled(s.WpCtrl[i]) {
			continue
		}
		offset := WatchpointOffset(s.WpCtrl[i])
		length := WatchpointLength(s.WpCtrl[i])
		addrWatch := s.WpAddr[i] + uint64(offset)
		addrWatchAligned := alignDown(s.WpAddr[i], hwpMaxLenPerReg)
		if trap >= addrWatchAligned && trap < addrWatch+uint64(length) {
			return s.WpAddrOrig[i], true
		}
	}
	return 0, false
}

// StoppedByBreakpoint returns true if an enabled breakpoint slot is set at
// addr.
func (s *DebugRegState) StoppedByBreakpoint(addr uint64) bool {
	for i := 0; i < s.NumBp; i++ {
		if s.BpRefCount[i] > 0 && ctrlEnabled(s.BpCtrl[i]) && s.BpAddr[i] == addr {
			return true
		}
	}
	return false
}

// CanUseHWBreakpoint returns 0 if the hardware has no slot of the kind
// needed by typ and 1 otherwise. Slots are shared between identical
// points so the capacity is only checked when a point is inserted.
func (s *DebugRegState) CanUseHWBreakpoint(typ PointType, cnt int) int {
	if typ == HWExecute {
		if s.NumBp == 0 {
			return 0
		}
	} else if s.NumWp == 0 {
		return 0
	}
	return 1
}

// InUse returns the number of breakpoint and watchpoint slots in use.
func (s *DebugRegState) InUse() (bp, wp int) {
	for i := 0; i < s.NumBp; i++ {
		if s.BpRefCount[i] > 0 {
			bp++
		}
	}
	for i := 0; i < s.NumWp; i++ {
		if s.WpRefCount[i] > 0 {
			wp++
		}
	}
	return bp, wp
}
