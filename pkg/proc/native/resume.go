package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/proc"
)

// Resume resumes the LWPs selected by ptid. If ptid is MinusOnePtid every
// process is resumed; only the process in focus is stepped or receives
// sig.
func (t *Target) Resume(ptid proc.Ptid, step bool, sig sys.Signal) error {
	t.metrics.resumes.Inc()
	if ptid == proc.MinusOnePtid {
		current := t.reg.Current().Pid
		for _, inf := range t.reg.NonExitedInferiors() {
			var err error
			if inf.Pid == current {
				err = t.resumeOneProcess(proc.PidPtid(inf.Pid), step, sig)
			} else {
				err = t.resumeOneProcess(proc.PidPtid(inf.Pid), false, 0)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	return t.resumeOneProcess(ptid, step, sig)
}

func (t *Target) resumeOneProcess(ptid proc.Ptid, step bool, sig sys.Signal) error {
	finf := t.nativeState(ptid.Pid)
	t.log.Debugf("resuming %v step=%v sig=%d", ptid, step, sig)

	if ptid.LwpP() && !t.reg.InThreadList(ptid) {
		return fmt.Errorf("resuming unknown LWP %v", ptid)
	}

	finf.resumedLwps = ptid
	if finf.runningLwps != 0 {
		panic(fmt.Sprintf("resuming process %d with %d LWPs still running", ptid.Pid, finf.runningLwps))
	}

	// Don't continue a process that already has an event to report.
	if t.havePendingEvent(ptid) {
		t.log.Debugf("found pending event for %v", ptid)
		t.metrics.bankedResumes.Inc()
		return nil
	}

	for _, th := range t.reg.NonExitedThreads(proc.PidPtid(ptid.Pid)) {
		if !th.Ptid.LwpP() {
			// first stop not reported yet
			finf.runningLwps++
			continue
		}
		lwp := th.Ptid.Lwp
		if ptid.LwpP() && lwp != ptid.Lwp {
			if err := t.tracer.Suspend(lwp); err != nil {
				return ptraceErr("PT_SUSPEND", lwp, err)
			}
			continue
		}
		if err := t.arch.PrepareToResume(th.Ptid); err != nil {
			return err
		}
		if err := t.tracer.Resume(lwp); err != nil {
			return ptraceErr("PT_RESUME", lwp, err)
		}
		finf.runningLwps++
	}

	current := t.reg.Current()
	if ptid.Pid != current.Pid {
		if ptid.LwpP() {
			panic(fmt.Sprintf("resuming LWP %v of a process not in focus", ptid))
		}
		step = false
		sig = 0
	} else if step && t.opts.LegacySetStep {
		// Older kernels don't step a specific LWP when the process is
		// continued, set the step flag on the LWP and continue instead.
		lwp := ptid.Lwp
		if lwp == 0 {
			lwp = current.Lwp
		}
		if err := t.tracer.SetStep(lwp); err != nil {
			return ptraceErr("PT_SETSTEP", lwp, err)
		}
		finf.legacyStepLwp = lwp
		step = false
	}

	// The emulated vfork-done is reported by the next Wait, the process
	// must stay stopped until then.
	if t.opts.NoVforkEvents && t.vforkDonePending(ptid.Pid) {
		t.log.Debugf("not continuing %d, vfork-done pending", ptid.Pid)
		return nil
	}

	// The continue request always targets the process: continuing an LWP
	// does not reliably clear the event latched on it. PT_STEP on the pid
	// steps the one LWP left unsuspended above.
	return t.resume(ptid.Pid, step, sig)
}
