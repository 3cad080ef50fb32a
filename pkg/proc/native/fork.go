package native

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// enableProcEvents asks the kernel to report LWP creation and exit, fork
// and vfork of pid.
func (t *Target) enableProcEvents(pid int) error {
	mask, err := t.tracer.EventMask(pid)
	if err != nil {
		return ptraceErr("PT_GET_EVENT_MASK", pid, err)
	}
	mask |= _PTRACE_FORK | _PTRACE_LWP
	if !t.opts.NoVforkEvents {
		mask |= _PTRACE_VFORK
	}
	if err := t.tracer.SetEventMask(pid, mask); err != nil {
		return ptraceErr("PT_SET_EVENT_MASK", pid, err)
	}
	return nil
}

// handleFork completes a fork reported by parent: it waits for the first
// stop of the child, unless the child already reported, and returns the
// event for the core.
func (t *Target) handleFork(parent proc.Ptid, info LwpInfo) (proc.WaitStatus, error) {
	flog := logflags.ForkLogger()
	child := info.ChildPid
	vfork := info.Flags&_PL_FLAG_VFORKED != 0

	childPtid, ok := t.takePendingChild(child)
	if !ok {
		t.metrics.forkWaits.Inc()
		var err error
		childPtid, err = t.waitForForkChild(child)
		if err != nil {
			return proc.Ignore(), err
		}
	}
	flog.Debugf("%v forked child %v", parent, childPtid)

	if err := t.enableProcEvents(child); err != nil {
		return proc.Ignore(), err
	}

	// Without PTRACE_VFORK the vforked child has P_PPWAIT set until it
	// execs or exits.
	if t.opts.NoVforkEvents {
		flags, err := t.tracer.ProcFlags(child)
		if err != nil {
			logflags.WriteWarning("Failed to fetch process information for %d: %v", child, err)
		} else if flags&_P_PPWAIT != 0 {
			vfork = true
		}
	}

	t.arch.NewFork(parent, child)

	if vfork {
		return proc.Vforked(childPtid), nil
	}
	return proc.Forked(childPtid), nil
}

// waitForForkChild blocks until the new child pid reports its first stop.
func (t *Target) waitForForkChild(pid int) (proc.Ptid, error) {
	var (
		wpid int
		err  error
	)
	for {
		wpid, _, err = t.tracer.Wait4(pid, 0)
		if !errors.Is(err, sys.EINTR) {
			break
		}
	}
	if err != nil {
		return proc.NullPtid, fmt.Errorf("waiting for fork child %d: %w", pid, err)
	}
	if wpid != pid {
		panic(fmt.Sprintf("wait4 on fork child %d returned %d", pid, wpid))
	}
	info, err := t.tracer.LwpInfo(pid)
	if err != nil {
		return proc.NullPtid, ptraceErr("PT_LWPINFO", pid, err)
	}
	if info.Flags&_PL_FLAG_CHILD == 0 {
		panic(fmt.Sprintf("first stop of fork child %d without PL_FLAG_CHILD", pid))
	}
	return proc.LwpPtid(pid, info.Lwpid), nil
}

// rememberChild records a fork child that reported before its parent.
func (t *Target) rememberChild(ptid proc.Ptid) {
	logflags.ForkLogger().Debugf("remembering early child %v", ptid)
	t.pendingChildren = append(t.pendingChildren, ptid)
}

// takePendingChild removes and returns the early child with process id pid.
func (t *Target) takePendingChild(pid int) (proc.Ptid, bool) {
	for i, ptid := range t.pendingChildren {
		if ptid.Pid == pid {
			t.pendingChildren = append(t.pendingChildren[:i], t.pendingChildren[i+1:]...)
			return ptid, true
		}
	}
	return proc.NullPtid, false
}

// addVforkDone queues an emulated vfork-done event for parent.
func (t *Target) addVforkDone(parent proc.Ptid) {
	t.pendingVforkDone = append(t.pendingVforkDone, parent)
	// Make the event loop call Wait even if no SIGCHLD arrives.
	if t.async != nil {
		t.async.Mark()
	}
}

// nextVforkDone pops the oldest emulated vfork-done event.
func (t *Target) nextVforkDone() (proc.Ptid, bool) {
	if len(t.pendingVforkDone) == 0 {
		return proc.NullPtid, false
	}
	ptid := t.pendingVforkDone[0]
	t.pendingVforkDone = t.pendingVforkDone[1:]
	return ptid, true
}

// vforkDonePending reports whether an emulated vfork-done event is queued
// for pid.
func (t *Target) vforkDonePending(pid int) bool {
	for _, ptid := range t.pendingVforkDone {
		if ptid.Pid == pid {
			return true
		}
	}
	return false
}

// FollowFork completes the fork event reported by parent. A child that is
// not followed and must be detached is released, otherwise it becomes a
// new stopped inferior.
func (t *Target) FollowFork(parent, child proc.Ptid, kind proc.WaitKind, followChild, detachFork bool) error {
	flog := logflags.ForkLogger()
	if kind != proc.WaitKindForked && kind != proc.WaitKindVforked {
		panic(fmt.Sprintf("following fork with event kind %v", kind))
	}

	if !followChild && detachFork {
		flog.Debugf("detaching fork child %v", child)
		if err := t.tracer.Detach(child.Pid, 0); err != nil {
			return ptraceErr("PT_DETACH", child.Pid, err)
		}
		t.arch.ForgetProcess(child.Pid)

		// The parent only reports vfork-done with PTRACE_VFORK, emulate
		// it otherwise.
		if t.opts.NoVforkEvents && kind == proc.WaitKindVforked {
			t.addVforkDone(parent)
		}
	} else {
		flog.Debugf("adding fork child %v", child)
		inf := t.reg.AddInferior(child.Pid)
		if pinf := t.reg.FindInferior(parent.Pid); pinf != nil {
			inf.ExecPath = pinf.ExecPath
		}
		t.reg.AddThread(child)
		t.onProcessCreated(child.Pid, false)
		if followChild {
			t.reg.SwitchTo(child)
		}
	}

	if th := t.reg.FindThread(parent); th != nil {
		th.PendingFollow = nil
	}
	return nil
}

// FollowExec updates the state of ptid's process after it reported an
// exec of path.
func (t *Target) FollowExec(ptid proc.Ptid, path string) error {
	logflags.ForkLogger().Debugf("%v execed %s", ptid, path)
	t.arch.ForgetProcess(ptid.Pid)
	t.arch.ProbeDebugRegs(ptid.Pid)
	if inf := t.reg.FindInferior(ptid.Pid); inf != nil {
		inf.ExecPath = path
	}
	return t.UpdateThreadList()
}
