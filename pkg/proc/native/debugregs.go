package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
)

// arm64DebugRegs keeps a process wide mirror of the AArch64 debug
// registers and programs it into each LWP lazily, right before the LWP is
// resumed.
type arm64DebugRegs struct {
	tracer Tracer
	reg    proc.Registry

	store   *arm64util.Store
	pending *arm64util.PendingSync
	probed  map[int]bool

	show    bool
	log     logflags.Logger
	metrics *metrics
}

func newARM64DebugRegs(tracer Tracer, reg proc.Registry, show bool, m *metrics) *arm64DebugRegs {
	return &arm64DebugRegs{
		tracer:  tracer,
		reg:     reg,
		store:   arm64util.NewStore(),
		pending: arm64util.NewPendingSync(),
		probed:  make(map[int]bool),
		show:    show,
		log:     logflags.DebugRegsLogger(),
		metrics: m,
	}
}

func (a *arm64DebugRegs) ProbeDebugRegs(pid int) {
	if a.probed[pid] {
		return
	}
	a.probed[pid] = true

	b, err := a.tracer.GetDBRegs(pid)
	if err != nil {
		a.log.Debugf("PT_GETDBREGS on %d failed: %v", pid, err)
		return
	}
	dbreg, err := arm64util.ParseDBReg(b)
	if err != nil {
		a.log.Debugf("bad debug register block for %d: %v", pid, err)
		return
	}
	numBp, numWp := dbreg.SlotCounts(logflags.WriteWarning)
	a.log.Debugf("debug arch %#x, %d breakpoint and %d watchpoint registers", dbreg.DebugVer, numBp, numWp)
	a.store.SetSlotCounts(numBp, numWp)
}

func (a *arm64DebugRegs) PrepareToResume(ptid proc.Ptid) error {
	if !ptid.LwpP() || !a.pending.IsDirtyAndClear(ptid.Lwp) {
		return nil
	}
	state := a.store.Lookup(ptid.Pid)
	if state == nil {
		panic(fmt.Sprintf("LWP %d marked for debug register update without state", ptid.Lwp))
	}
	dbreg := arm64util.DBRegFromState(state)
	if err := a.tracer.SetDBRegs(ptid.Lwp, dbreg.Bytes()); err != nil {
		return ptraceErr("PT_SETDBREGS", ptid.Lwp, err)
	}
	a.metrics.dbregWrites.Inc()
	return nil
}

func (a *arm64DebugRegs) DeleteThread(ptid proc.Ptid) {
	if ptid.LwpP() {
		a.pending.Forget(ptid.Lwp)
	}
}

// NewFork gives the child a copy of the parent mirror. The kernel clears
// the debug registers of the child, the core removes the inherited
// points from both processes together.
func (a *arm64DebugRegs) NewFork(parent proc.Ptid, child int) {
	a.store.CopyTo(parent.Pid, child)
}

func (a *arm64DebugRegs) ForgetProcess(pid int) {
	a.store.Remove(pid)
	delete(a.probed, pid)
}

// markDirty schedules a debug register update for every LWP of pid.
func (a *arm64DebugRegs) markDirty(pid int) {
	for _, th := range a.reg.NonExitedThreads(proc.PidPtid(pid)) {
		if th.Ptid.LwpP() {
			a.pending.MarkDirty(th.Ptid.Lwp)
		}
	}
}

func (a *arm64DebugRegs) InsertPoint(pid int, typ arm64util.PointType, addr uint64, length int) error {
	state := a.store.GetOrCreate(pid)
	changed, err := state.InsertPoint(typ, addr, length)
	if a.show {
		a.log.Infof("%s", arm64util.ShowState(state, "insert_point", addr, length, typ))
	}
	if err != nil {
		return err
	}
	if changed {
		a.markDirty(pid)
	}
	return nil
}

func (a *arm64DebugRegs) RemovePoint(pid int, typ arm64util.PointType, addr uint64, length int) error {
	state := a.store.GetOrCreate(pid)
	changed, err := state.RemovePoint(typ, addr, length)
	if a.show {
		a.log.Infof("%s", arm64util.ShowState(state, "remove_point", addr, length, typ))
	}
	if err != nil {
		return err
	}
	if changed {
		a.markDirty(pid)
	}
	return nil
}

// trapInfo returns the siginfo of the last stop of ptid if it was a
// SIGTRAP with the given code.
func (a *arm64DebugRegs) trapInfo(ptid proc.Ptid, code int) (Siginfo, bool) {
	if !ptid.LwpP() {
		return Siginfo{}, false
	}
	info, err := a.tracer.LwpInfo(ptid.Lwp)
	if err != nil {
		return Siginfo{}, false
	}
	if info.Flags&_PL_FLAG_SI == 0 || info.Siginfo.Signo != sys.SIGTRAP || info.Siginfo.Code != code {
		return Siginfo{}, false
	}
	return info.Siginfo, true
}

func (a *arm64DebugRegs) StoppedDataAddress(ptid proc.Ptid) (uint64, bool) {
	si, ok := a.trapInfo(ptid, _TRAP_TRACE)
	if !ok {
		return 0, false
	}
	state := a.store.Lookup(ptid.Pid)
	if state == nil {
		return 0, false
	}
	addr, ok := state.StoppedDataAddress(si.Addr)
	if ok && a.show {
		a.log.Infof("%s", arm64util.ShowState(state, "stopped_data_addr", si.Addr, 0, arm64util.HWAccess))
	}
	return addr, ok
}

func (a *arm64DebugRegs) StoppedByHWBreakpoint(ptid proc.Ptid) bool {
	si, ok := a.trapInfo(ptid, _TRAP_BRKPT)
	if !ok {
		return false
	}
	state := a.store.Lookup(ptid.Pid)
	if state == nil {
		return false
	}
	return state.StoppedByBreakpoint(si.Addr)
}

func (a *arm64DebugRegs) CanUseHWBreakpoint(pid int, typ arm64util.PointType, cnt int) int {
	return a.store.GetOrCreate(pid).CanUseHWBreakpoint(typ, cnt)
}

func (a *arm64DebugRegs) State(pid int) *arm64util.DebugRegState {
	return a.store.Lookup(pid)
}
