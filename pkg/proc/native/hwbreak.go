package native

import (
	"errors"

	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
)

// ArchPolicy is the architecture specific debug register handling used by
// the event dispatcher.
type ArchPolicy interface {
	// ProbeDebugRegs reads the number of debug registers of pid. It is a
	// no-op after the first call for a process.
	ProbeDebugRegs(pid int)
	// PrepareToResume programs the debug registers of ptid if they are
	// out of date.
	PrepareToResume(ptid proc.Ptid) error
	// DeleteThread is called when an LWP exits.
	DeleteThread(ptid proc.Ptid)
	// NewFork is called when parent forks child.
	NewFork(parent proc.Ptid, child int)
	// ForgetProcess drops the debug register state of pid.
	ForgetProcess(pid int)

	InsertPoint(pid int, typ arm64util.PointType, addr uint64, length int) error
	RemovePoint(pid int, typ arm64util.PointType, addr uint64, length int) error
	// StoppedDataAddress returns the watched address that made ptid stop.
	StoppedDataAddress(ptid proc.Ptid) (uint64, bool)
	// StoppedByHWBreakpoint returns true if ptid stopped for a hardware
	// breakpoint.
	StoppedByHWBreakpoint(ptid proc.Ptid) bool
	CanUseHWBreakpoint(pid int, typ arm64util.PointType, cnt int) int
	// State returns the debug register mirror of pid, nil if there is
	// none.
	State(pid int) *arm64util.DebugRegState
}

// ErrHWBreakUnsupported is returned by hardware point operations on
// architectures without a debug register policy.
var ErrHWBreakUnsupported = errors.New("hardware breakpoints not supported")

// noDebugRegs is the policy of architectures without hardware debug
// register support.
type noDebugRegs struct{}

func (noDebugRegs) ProbeDebugRegs(int) {}

func (noDebugRegs) PrepareToResume(proc.Ptid) error { return nil }

func (noDebugRegs) DeleteThread(proc.Ptid) {}

func (noDebugRegs) NewFork(proc.Ptid, int) {}

func (noDebugRegs) ForgetProcess(int) {}

func (noDebugRegs) StoppedDataAddress(proc.Ptid) (uint64, bool) { return 0, false }

func (noDebugRegs) StoppedByHWBreakpoint(proc.Ptid) bool { return false }

func (noDebugRegs) State(int) *arm64util.DebugRegState { return nil }

func (noDebugRegs) InsertPoint(int, arm64util.PointType, uint64, int) error {
	return ErrHWBreakUnsupported
}

func (noDebugRegs) RemovePoint(int, arm64util.PointType, uint64, int) error {
	return ErrHWBreakUnsupported
}

func (noDebugRegs) CanUseHWBreakpoint(int, arm64util.PointType, int) int { return 0 }

func newArchPolicy(arch string, tracer Tracer, reg proc.Registry, showDebugRegs bool, m *metrics) ArchPolicy {
	switch arch {
	case "arm64":
		return newARM64DebugRegs(tracer, reg, showDebugRegs, m)
	}
	return noDebugRegs{}
}

// InsertWatchpoint inserts a hardware watchpoint of length bytes at addr
// in the process of the current thread.
func (t *Target) InsertWatchpoint(addr uint64, length int, typ arm64util.PointType) error {
	return t.arch.InsertPoint(t.reg.Current().Pid, typ, addr, length)
}

// RemoveWatchpoint removes a watchpoint inserted by InsertWatchpoint.
func (t *Target) RemoveWatchpoint(addr uint64, length int, typ arm64util.PointType) error {
	return t.arch.RemovePoint(t.reg.Current().Pid, typ, addr, length)
}

// InsertHWBreakpoint inserts a hardware breakpoint at addr in the process
// of the current thread.
func (t *Target) InsertHWBreakpoint(addr uint64, length int) error {
	return t.arch.InsertPoint(t.reg.Current().Pid, arm64util.HWExecute, addr, length)
}

// RemoveHWBreakpoint removes a breakpoint inserted by InsertHWBreakpoint.
func (t *Target) RemoveHWBreakpoint(addr uint64, length int) error {
	return t.arch.RemovePoint(t.reg.Current().Pid, arm64util.HWExecute, addr, length)
}

// StoppedDataAddress returns the address of the watchpoint that caused
// the last stop of the current thread.
func (t *Target) StoppedDataAddress() (uint64, bool) {
	return t.arch.StoppedDataAddress(t.reg.Current())
}

// StoppedByWatchpoint returns true if the current thread stopped because
// of a watchpoint.
func (t *Target) StoppedByWatchpoint() bool {
	_, ok := t.StoppedDataAddress()
	return ok
}

// StoppedByHWBreakpoint returns true if the current thread stopped at a
// hardware breakpoint.
func (t *Target) StoppedByHWBreakpoint() bool {
	return t.arch.StoppedByHWBreakpoint(t.reg.Current())
}

// CanUseHWBreakpoint returns 1 if hardware points of kind typ can be
// inserted, 0 otherwise.
func (t *Target) CanUseHWBreakpoint(typ arm64util.PointType, cnt int) int {
	return t.arch.CanUseHWBreakpoint(t.reg.Current().Pid, typ, cnt)
}

// DebugRegState returns the debug register mirror of pid, or nil.
func (t *Target) DebugRegState(pid int) *arm64util.DebugRegState {
	return t.arch.State(pid)
}

// RemovePointOf removes a hardware point from process pid, which need not
// be the process in focus.
func (t *Target) RemovePointOf(pid int, typ arm64util.PointType, addr uint64, length int) error {
	return t.arch.RemovePoint(pid, typ, addr, length)
}
