package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// WaitOptions configures Wait.
type WaitOptions struct {
	// NoHang makes Wait return an Ignore status instead of blocking.
	NoHang bool
}

// Wait returns the next event of the LWPs selected by ptid.
//
// Banked events are returned first. Events reported by LWPs that were not
// resumed are banked and the process is continued until an LWP that was
// resumed reports. Before returning every other process is stopped.
func (t *Target) Wait(ptid proc.Ptid, opts WaitOptions) (proc.Ptid, proc.WaitStatus, error) {
	t.metrics.waits.Inc()
	if ev, ok := t.takePendingEvent(ptid); ok {
		if err := t.stopAllProcesses(); err != nil {
			return proc.MinusOnePtid, proc.Ignore(), err
		}
		if !ev.ptid.Matches(ptid) {
			panic(fmt.Sprintf("pending event %v does not match %v", ev.ptid, ptid))
		}
		t.log.Debugf("returning pending event [%v], [%v]", ev.ptid, ev.status)
		t.notePendingFollow(ev.ptid, ev.status)
		return ev.ptid, ev.status, nil
	}

	if t.async != nil {
		t.async.Flush()
	}

	var (
		wptid proc.Ptid
		ws    proc.WaitStatus
		err   error
	)
	for {
		wptid, ws, err = t.wait1(ptid, opts)
		if err != nil {
			return proc.MinusOnePtid, proc.Ignore(), err
		}
		if ws.Kind() == proc.WaitKindIgnore || ws.Kind() == proc.WaitKindNoResumed {
			break
		}

		finf := t.nativeState(wptid.Pid)
		if finf.resumedLwps == proc.NullPtid || finf.runningLwps <= 0 {
			panic(fmt.Sprintf("event [%v] for process %d that was not resumed", ws, wptid.Pid))
		}

		// An LWP other than the one being stepped reported first: suspend
		// it and keep the event until the process is resumed again.
		if !ws.ProcessGone() && !wptid.Matches(finf.resumedLwps) {
			t.log.Debugf("deferring event [%v], [%v]", wptid, ws)
			t.addPendingEvent(wptid, ws)
			t.metrics.deferredEvents.Inc()
			if err := t.tracer.Suspend(wptid.Lwp); err != nil {
				return proc.MinusOnePtid, proc.Ignore(), ptraceErr("PT_SUSPEND", wptid.Lwp, err)
			}
			if err := t.continueProcess(wptid.Pid, 0); err != nil {
				return proc.MinusOnePtid, proc.Ignore(), err
			}
			continue
		}

		finf.resumedLwps = proc.NullPtid
		finf.runningLwps = 0
		if err := t.clearLegacyStep(wptid.Pid, finf); err != nil {
			return proc.MinusOnePtid, proc.Ignore(), err
		}

		if err := t.stopAllProcesses(); err != nil {
			return proc.MinusOnePtid, proc.Ignore(), err
		}
		break
	}

	// There may be more events, keep the event loop polling.
	if t.async != nil && ((ws.Kind() != proc.WaitKindIgnore && ws.Kind() != proc.WaitKindNoResumed) || ptid != proc.MinusOnePtid) {
		t.async.Mark()
	}

	t.log.Debugf("returning [%v], [%v]", wptid, ws)
	t.notePendingFollow(wptid, ws)
	return wptid, ws, nil
}

func (t *Target) clearLegacyStep(pid int, finf *fbsdInferior) error {
	if finf.legacyStepLwp == 0 {
		return nil
	}
	lwp := finf.legacyStepLwp
	finf.legacyStepLwp = 0
	if !t.reg.InThreadList(proc.LwpPtid(pid, lwp)) {
		return nil
	}
	return ptraceErr("PT_CLEARSTEP", lwp, t.tracer.ClearStep(lwp))
}

// notePendingFollow records fork events on the reporting thread until
// FollowFork is called.
func (t *Target) notePendingFollow(ptid proc.Ptid, ws proc.WaitStatus) {
	if !ws.IsFork() {
		return
	}
	if th := t.reg.FindThread(ptid); th != nil {
		ws := ws
		th.PendingFollow = &ws
	}
}

// wait1 waits for one event and classifies it with PT_LWPINFO. Events
// that only update the dispatcher state are handled here and the process
// is continued.
func (t *Target) wait1(ptid proc.Ptid, opts WaitOptions) (proc.Ptid, proc.WaitStatus, error) {
	for {
		if t.opts.NoVforkEvents {
			if wptid, ok := t.nextVforkDone(); ok {
				return wptid, proc.VforkDone(), nil
			}
		}

		wptid, ws, err := t.wait(ptid, opts)
		if err != nil {
			return wptid, ws, err
		}
		if ws.Kind() != proc.WaitKindStopped {
			if ws.Kind() != proc.WaitKindIgnore {
				t.log.Debugf("event [%v], [%v]", wptid, ws)
			}
			return wptid, ws, nil
		}

		pid := wptid.Pid
		info, err := t.tracer.LwpInfo(pid)
		if err != nil {
			return proc.MinusOnePtid, proc.Ignore(), ptraceErr("PT_LWPINFO", pid, err)
		}
		wptid = proc.LwpPtid(pid, info.Lwpid)
		if logflags.Nat() {
			t.log.Debugf("stop for LWP %d event %d flags %#x sig %d code %d", info.Lwpid, info.Event, info.Flags, info.Siginfo.Signo, info.Siginfo.Code)
		}
		finf := t.inferiors[pid]

		if info.Flags&_PL_FLAG_EXITED != 0 {
			// Exiting LWPs may be missed by addThreads when attaching,
			// ignore them.
			if finf != nil && t.reg.InThreadList(wptid) {
				t.lwpLog.Debugf("deleting thread for LWP %d", info.Lwpid)
				t.arch.DeleteThread(wptid)
				t.reg.DeleteThread(wptid)
				finf.numLwps--

				// The only resumed LWP exited, tell the core.
				if wptid == finf.resumedLwps {
					t.metrics.spuriousEvents.Inc()
					return wptid, proc.Spurious(), nil
				}

				// LWPs that were not resumed report their exit when the
				// process exits.
				if wptid.Matches(finf.resumedLwps) {
					finf.runningLwps--
				}
			}
			if err := t.continueProcess(pid, 0); err != nil {
				return proc.MinusOnePtid, proc.Ignore(), err
			}
			continue
		}

		// Switch to an LWP ptid on the first stop of a new process. This
		// happens after the EXITED check so that an exited LWP is never
		// used and before the BORN check because the first stop after
		// attaching may be a BORN event.
		if t.reg.InThreadList(proc.PidPtid(pid)) {
			t.lwpLog.Debugf("using LWP %d for first thread", info.Lwpid)
			t.reg.ThreadChangePtid(proc.PidPtid(pid), wptid)
		}

		if info.Flags&_PL_FLAG_BORN != 0 {
			// The LWP may already be known from addThreads.
			if !t.reg.InThreadList(wptid) {
				t.lwpLog.Debugf("adding thread for LWP %d", info.Lwpid)
				t.reg.AddThread(wptid)
				if finf != nil {
					finf.numLwps++
					if wptid.Matches(finf.resumedLwps) {
						finf.runningLwps++
					}
				}
			}
			t.metrics.spuriousEvents.Inc()
			return wptid, proc.Spurious(), nil
		}

		if info.Flags&_PL_FLAG_FORKED != 0 {
			ws, err := t.handleFork(wptid, info)
			if err != nil {
				return proc.MinusOnePtid, proc.Ignore(), err
			}
			return wptid, ws, nil
		}

		if info.Flags&_PL_FLAG_CHILD != 0 {
			t.rememberChild(wptid)
			continue
		}

		if info.Flags&_PL_FLAG_VFORK_DONE != 0 {
			return wptid, proc.VforkDone(), nil
		}

		if info.Flags&_PL_FLAG_EXEC != 0 {
			path, err := t.tracer.ExecPath(pid)
			if err != nil {
				logflags.WriteWarning("could not read executable path of %d: %v", pid, err)
			}
			return wptid, proc.Execd(path), nil
		}

		if ok, err := t.handleDebugTrap(wptid, info); err != nil {
			return proc.MinusOnePtid, proc.Ignore(), err
		} else if ok {
			return wptid, ws, nil
		}

		// PL_FLAG_SCE is also set for signals interrupting a system call,
		// only SIGTRAP stops are system call stops.
		if info.Flags&(_PL_FLAG_SCE|_PL_FLAG_SCX) != 0 && ws.Sig() == sys.SIGTRAP {
			if t.core.CatchSyscallEnabled() && t.core.CatchingSyscallNumber(info.SyscallCode) {
				if info.Flags&_PL_FLAG_SCE != 0 {
					return wptid, proc.SyscallEntry(info.SyscallCode), nil
				}
				return wptid, proc.SyscallReturn(info.SyscallCode), nil
			}
			// PT_SYSCALL is sticky, every system call of the process
			// stops from now on.
			if err := t.continueProcess(pid, 0); err != nil {
				return proc.MinusOnePtid, proc.Ignore(), err
			}
			continue
		}

		if finf != nil && finf.pendingSigstop && ws.Sig() == sys.SIGSTOP {
			t.log.Debugf("ignoring SIGSTOP for pid %d", pid)
			t.metrics.swallowedSigstops.Inc()
			finf.pendingSigstop = false
			if err := t.continueProcess(pid, 0); err != nil {
				return proc.MinusOnePtid, proc.Ignore(), err
			}
			continue
		}

		return wptid, ws, nil
	}
}

// handleDebugTrap returns true for breakpoint and trace traps. The PC of
// software breakpoint traps is moved back by DecrPCAfterBreak.
func (t *Target) handleDebugTrap(ptid proc.Ptid, info LwpInfo) (bool, error) {
	// Stale siginfo can be reported together with other flags, real
	// traps have no other flag set.
	if info.Flags != _PL_FLAG_SI || info.Siginfo.Signo != sys.SIGTRAP {
		return false, nil
	}

	switch info.Siginfo.Code {
	case _TRAP_TRACE:
		t.log.Debugf("trace trap for LWP %d", ptid.Lwp)
		return true, nil
	case _TRAP_BRKPT:
		t.log.Debugf("sw breakpoint trap for LWP %d", ptid.Lwp)
		decr := t.core.DecrPCAfterBreak()
		if decr == 0 {
			return true, nil
		}
		pc, err := t.tracer.GetPC(ptid.Lwp)
		if err != nil {
			return false, ptraceErr("PT_GETREGS", ptid.Lwp, err)
		}
		if err := t.tracer.SetPC(ptid.Lwp, pc-decr); err != nil {
			return false, ptraceErr("PT_SETREGS", ptid.Lwp, err)
		}
		return true, nil
	}
	return false, nil
}
