package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// StopProcess stops every LWP of pid. An event reported while stopping
// is banked for a later Wait.
func (t *Target) StopProcess(pid int) error {
	finf := t.nativeState(pid)
	finf.resumedLwps = proc.NullPtid
	if finf.runningLwps == 0 {
		return nil
	}

	ptid := proc.PidPtid(pid)
	wptid, ws, err := t.wait1(ptid, WaitOptions{NoHang: true})
	if err != nil {
		return err
	}
	if wptid != proc.MinusOnePtid {
		// An event raced with the stop request.
		t.log.Debugf("stop of %d found event [%v], [%v]", pid, wptid, ws)
		t.addPendingEvent(wptid, ws)
		finf.runningLwps = 0
		return nil
	}

	if finf.pendingSigstop {
		// A SIGSTOP from a previous stop request is still in flight.
		finf.pendingSigstop = false
	} else {
		t.log.Debugf("sending SIGSTOP to %d", pid)
		if err := t.tracer.SignalProcess(pid, sys.SIGSTOP); err != nil {
			return fmt.Errorf("failed to interrupt process %d: %w", pid, err)
		}
	}

	wptid, ws, err = t.wait1(ptid, WaitOptions{})
	if err != nil {
		return err
	}
	switch ws.Kind() {
	case proc.WaitKindExited, proc.WaitKindSignalled:
		t.addPendingEvent(wptid, ws)
	case proc.WaitKindIgnore, proc.WaitKindNoResumed:
		logflags.WriteWarning("stop of process %d returned %v", pid, ws)
	default:
		if ws.Kind() == proc.WaitKindStopped && ws.Sig() == sys.SIGSTOP {
			t.log.Debugf("discarding SIGSTOP of %v", wptid)
			break
		}
		t.log.Debugf("stop of %d found event [%v], [%v]", pid, wptid, ws)
		t.addPendingEvent(wptid, ws)
		finf.pendingSigstop = true
	}
	finf.runningLwps = 0
	return nil
}

// stopAllProcesses stops every process that still has running LWPs.
func (t *Target) stopAllProcesses() error {
	for _, inf := range t.reg.NonExitedInferiors() {
		finf := t.inferiors[inf.Pid]
		if finf == nil || finf.runningLwps == 0 {
			continue
		}
		if err := t.StopProcess(inf.Pid); err != nil {
			return err
		}
	}
	return nil
}
