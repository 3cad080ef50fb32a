package native

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// detachForkChildren detaches the fork children of pid that were never
// reported to the core and drains the banked events of pid. It returns
// the signals of the banked stops, in order, and true if pid exited while
// its banked events were drained.
func (t *Target) detachForkChildren(pid int) ([]sys.Signal, bool, error) {
	var sigs []sys.Signal
	var result *multierror.Error
	flog := logflags.ForkLogger()

	for _, th := range t.reg.NonExitedThreads(proc.PidPtid(pid)) {
		if th.PendingFollow == nil {
			continue
		}
		child := th.PendingFollow.ChildPtid()
		flog.Debugf("detaching unfollowed child %v of %v", child, th.Ptid)
		if err := t.tracer.Detach(child.Pid, 0); err != nil {
			result = multierror.Append(result, ptraceErr("PT_DETACH", child.Pid, err))
		}
		t.arch.ForgetProcess(child.Pid)
		th.PendingFollow = nil
	}

	finf := t.nativeState(pid)
	finf.resumedLwps = proc.PidPtid(pid)
	defer func() { finf.resumedLwps = proc.NullPtid }()
	for {
		ev, ok := t.takePendingEvent(proc.PidPtid(pid))
		if !ok {
			break
		}
		switch {
		case ev.status.ProcessGone():
			return sigs, true, result.ErrorOrNil()
		case ev.status.IsFork():
			child := ev.status.ChildPtid()
			flog.Debugf("detaching banked child %v of %v", child, ev.ptid)
			if err := t.tracer.Detach(child.Pid, 0); err != nil {
				result = multierror.Append(result, ptraceErr("PT_DETACH", child.Pid, err))
			}
			t.arch.ForgetProcess(child.Pid)
		case ev.status.Kind() == proc.WaitKindStopped && deliverable(ev.status.Sig()):
			sigs = append(sigs, ev.status.Sig())
		}
	}
	return sigs, false, result.ErrorOrNil()
}

// deliverable reports whether a stop with sig carries a signal for the
// inferior rather than one generated by the debugger.
func deliverable(sig sys.Signal) bool {
	return sig != 0 && sig != sys.SIGSTOP && sig != sys.SIGTRAP
}

// Detach stops pid, removes its breakpoints, and detaches from it and
// from every fork child the core never saw.
func (t *Target) Detach(pid int) error {
	if err := t.StopProcess(pid); err != nil {
		return err
	}
	if err := t.core.RemoveBreakpoints(pid); err != nil {
		return err
	}

	sigs, exited, err := t.detachForkChildren(pid)
	if err != nil {
		return err
	}
	if exited {
		t.Mourn(pid)
		return nil
	}

	// next returns the next signal owed to the inferior.
	next := func() sys.Signal {
		if len(sigs) == 0 {
			return 0
		}
		sig := sigs[0]
		sigs = sigs[1:]
		return sig
	}

	finf := t.nativeState(pid)
	if finf.pendingSigstop {
		// Let the SIGSTOP sent by StopProcess arrive before detaching,
		// otherwise it stops the process after we are gone. Banked
		// signals are delivered on the way.
		finf.pendingSigstop = false
		finf.resumedLwps = proc.PidPtid(pid)
		expectSigstop := true
		for expectSigstop {
			if err := t.continueProcess(pid, next()); err != nil {
				return err
			}
			wptid, ws, err := t.wait1(proc.PidPtid(pid), WaitOptions{})
			if err != nil {
				return err
			}
			switch {
			case ws.ProcessGone():
				t.Mourn(pid)
				return nil
			case ws.IsFork():
				child := ws.ChildPtid()
				if err := t.tracer.Detach(child.Pid, 0); err != nil {
					return ptraceErr("PT_DETACH", child.Pid, err)
				}
				t.arch.ForgetProcess(child.Pid)
			case ws.Kind() == proc.WaitKindStopped && ws.Sig() == sys.SIGSTOP:
				expectSigstop = false
			case ws.Kind() == proc.WaitKindStopped && deliverable(ws.Sig()):
				sigs = append(sigs, ws.Sig())
			case ws.Kind() == proc.WaitKindStopped:
				// breakpoint or step trap, nothing to deliver
			default:
				t.log.Debugf("discarding [%v], [%v] while detaching", wptid, ws)
			}
		}
		finf.resumedLwps = proc.NullPtid
	}

	// PT_DETACH delivers one signal, the others stay pending in the
	// kernel and are delivered once the process is no longer traced.
	sig := next()
	for _, s := range sigs {
		t.log.Debugf("requeueing signal %d for %d", s, pid)
		if err := t.tracer.SignalProcess(pid, s); err != nil {
			return fmt.Errorf("could not requeue signal %d for process %d: %w", s, pid, err)
		}
	}

	for _, th := range t.reg.NonExitedThreads(proc.PidPtid(pid)) {
		t.arch.DeleteThread(th.Ptid)
	}
	if err := t.tracer.Detach(pid, sig); err != nil {
		return ptraceErr("PT_DETACH", pid, err)
	}
	t.onProcessGone(pid)
	return nil
}

// Kill kills pid. Fork children that were not reported to the core yet
// are detached first so that they are not left traced.
func (t *Target) Kill(pid int) error {
	if err := t.StopProcess(pid); err != nil {
		return err
	}
	_, exited, err := t.detachForkChildren(pid)
	if err != nil {
		return err
	}
	if exited {
		t.Mourn(pid)
		return nil
	}

	// An LWP may have reported a fork whose child has not stopped yet.
	lwps, err := t.tracer.LwpList(pid)
	if err != nil {
		return ptraceErr("PT_GETLWPLIST", pid, err)
	}
	for _, lwp := range lwps {
		info, err := t.tracer.LwpInfo(lwp)
		if err != nil {
			return ptraceErr("PT_LWPINFO", lwp, err)
		}
		if info.Flags&_PL_FLAG_FORKED == 0 {
			continue
		}
		child := info.ChildPid
		if t.inferiors[child] != nil {
			// already followed
			continue
		}
		if _, ok := t.takePendingChild(child); !ok {
			if _, err := t.waitForForkChild(child); err != nil {
				return err
			}
		}
		logflags.ForkLogger().Debugf("detaching child %d of dying LWP %d", child, lwp)
		if err := t.tracer.Detach(child, 0); err != nil {
			return ptraceErr("PT_DETACH", child, err)
		}
		t.arch.ForgetProcess(child)
	}

	if err := t.killProcess(pid); err != nil {
		return err
	}
	t.Mourn(pid)
	return nil
}
