package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// ptraceTarget implements process control on top of raw ptrace requests
// and wait4, without any knowledge of LWPs. Target layers the event
// dispatcher over it.
type ptraceTarget struct {
	tracer Tracer
	reg    proc.Registry
	core   Core

	// ctty is the terminal of the last started process, if any.
	ctty *os.File
}

// LaunchOptions configures CreateInferior.
type LaunchOptions struct {
	// Dir is the working directory of the new process.
	Dir string
	// Env is the environment of the new process, nil inherits ours.
	Env []string
	// Tty is the terminal the new process is attached to.
	Tty string
	// DisableASLR disables address space layout randomization.
	DisableASLR bool
	// Stdin, Stdout and Stderr are used if Tty is empty.
	Stdin, Stdout, Stderr *os.File
}

// startInferior starts argv stopped at its first instruction.
func (pt *ptraceTarget) startInferior(argv []string, lo LaunchOptions) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no command to run")
	}
	process := exec.Command(argv[0])
	process.Args = argv
	process.Env = lo.Env
	process.Dir = lo.Dir
	process.Stdin, process.Stdout, process.Stderr = lo.Stdin, lo.Stdout, lo.Stderr
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
	if lo.Tty != "" {
		var err error
		pt.ctty, err = attachProcessToTTY(process, lo.Tty)
		if err != nil {
			return 0, err
		}
	}
	pid, err := pt.tracer.Start(process, lo.DisableASLR)
	if err != nil {
		if pt.ctty != nil {
			pt.ctty.Close()
			pt.ctty = nil
		}
		return 0, err
	}
	return pid, nil
}

// resume continues pid, single-stepping it if step is set. When system
// calls are being caught PT_SYSCALL is used instead of PT_CONTINUE.
func (pt *ptraceTarget) resume(pid int, step bool, sig sys.Signal) error {
	switch {
	case step:
		return ptraceErr("PT_STEP", pid, pt.tracer.Step(pid, sig))
	case pt.core.CatchSyscallEnabled():
		return ptraceErr("PT_SYSCALL", pid, pt.tracer.Syscall(pid, sig))
	default:
		return ptraceErr("PT_CONTINUE", pid, pt.tracer.Continue(pid, sig))
	}
}

// wait waits for an event of ptid. The returned Ptid never carries an
// LWP.
func (pt *ptraceTarget) wait(ptid proc.Ptid, opts WaitOptions) (proc.Ptid, proc.WaitStatus, error) {
	options := 0
	if opts.NoHang {
		options |= sys.WNOHANG
	}
	for {
		var (
			wpid   int
			status sys.WaitStatus
			err    error
		)
		for {
			wpid, status, err = pt.tracer.Wait4(ptid.Pid, options)
			if !errors.Is(err, sys.EINTR) {
				break
			}
		}
		if err != nil {
			// In async mode SIGCHLD may race with an event that was
			// already reported. If it was the exit of the last child
			// wait4 fails with ECHILD.
			if ptid == proc.MinusOnePtid && errors.Is(err, sys.ECHILD) {
				return proc.MinusOnePtid, proc.NoResumed(), nil
			}
			logflags.WriteWarning("Child process unexpectedly missing: %v.", err)
			return proc.MinusOnePtid, proc.Ignore(), nil
		}
		if wpid == 0 {
			if !opts.NoHang {
				panic("wait4 returned no event without WNOHANG")
			}
			return proc.MinusOnePtid, proc.Ignore(), nil
		}
		ws := proc.FromHostStatus(status)
		if ws.Kind() != proc.WaitKindStopped && pt.reg.FindInferior(wpid) == nil {
			// terminated child we detached from
			continue
		}
		return proc.PidPtid(wpid), ws, nil
	}
}

// killProcess kills pid with PT_KILL and reaps it.
func (pt *ptraceTarget) killProcess(pid int) error {
	if err := pt.tracer.Kill(pid); err != nil {
		return ptraceErr("PT_KILL", pid, err)
	}
	for {
		_, _, err := pt.tracer.Wait4(pid, 0)
		if !errors.Is(err, sys.EINTR) {
			break
		}
	}
	return nil
}

// ReadMemory reads len(buf) bytes at addr of process pid.
func (pt *ptraceTarget) ReadMemory(pid int, addr uint64, buf []byte) (int, error) {
	n, err := pt.tracer.ReadMemory(pid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("could not read memory at %#x: %w", addr, err)
	}
	return n, nil
}

// WriteMemory writes buf at addr of process pid.
func (pt *ptraceTarget) WriteMemory(pid int, addr uint64, buf []byte) (int, error) {
	n, err := pt.tracer.WriteMemory(pid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("could not write memory at %#x: %w", addr, err)
	}
	return n, nil
}

// CreateInferior starts argv and waits for it to stop after exec.
func (t *Target) CreateInferior(argv []string, lo LaunchOptions) (int, error) {
	pid, err := t.startInferior(argv, lo)
	if err != nil {
		return 0, err
	}
	inf := t.reg.AddInferior(pid)
	inf.ExecPath = argv[0]
	t.reg.AddThread(proc.PidPtid(pid))
	t.reg.SwitchTo(proc.PidPtid(pid))
	t.onProcessCreated(pid, true)

	wptid, ws, err := t.Wait(proc.PidPtid(pid), WaitOptions{})
	if err != nil {
		return 0, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if ws.ProcessGone() {
		t.Mourn(pid)
		return 0, proc.ErrProcessExited{Pid: pid, Status: ws.ExitCode()}
	}
	t.reg.SwitchTo(wptid)
	if err := t.PostStartupInferior(pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// Attach attaches to pid and waits for it to stop.
func (t *Target) Attach(pid int) error {
	if err := t.tracer.Attach(pid); err != nil {
		return ptraceErr("PT_ATTACH", pid, err)
	}
	inf := t.reg.AddInferior(pid)
	inf.Attached = true
	if path, err := t.tracer.ExecPath(pid); err == nil {
		inf.ExecPath = path
	}
	t.reg.AddThread(proc.PidPtid(pid))
	t.reg.SwitchTo(proc.PidPtid(pid))
	t.onProcessCreated(pid, true)

	wptid, ws, err := t.Wait(proc.PidPtid(pid), WaitOptions{})
	if err != nil {
		return err
	}
	if ws.ProcessGone() {
		t.Mourn(pid)
		return proc.ErrProcessExited{Pid: pid, Status: ws.ExitCode()}
	}
	t.reg.SwitchTo(wptid)
	return t.PostAttach(pid)
}

// PostStartupInferior prepares a process started by CreateInferior.
func (t *Target) PostStartupInferior(pid int) error {
	t.arch.ForgetProcess(pid)
	if err := t.enableProcEvents(pid); err != nil {
		return err
	}
	t.arch.ProbeDebugRegs(pid)
	return nil
}

// PostAttach prepares a process attached to by Attach.
func (t *Target) PostAttach(pid int) error {
	t.arch.ForgetProcess(pid)
	if err := t.enableProcEvents(pid); err != nil {
		return err
	}
	if err := t.addThreads(pid); err != nil {
		return err
	}
	t.arch.ProbeDebugRegs(pid)
	return nil
}

// addThreads adds every LWP of pid that isn't known yet.
func (t *Target) addThreads(pid int) error {
	if t.reg.InThreadList(proc.PidPtid(pid)) {
		panic(fmt.Sprintf("process %d has no LWP ids yet", pid))
	}
	lwps, err := t.tracer.LwpList(pid)
	if err != nil {
		return ptraceErr("PT_GETLWPLIST", pid, err)
	}
	finf := t.nativeState(pid)
	for _, lwp := range lwps {
		ptid := proc.LwpPtid(pid, lwp)
		if t.reg.InThreadList(ptid) {
			continue
		}
		info, err := t.tracer.LwpInfo(lwp)
		if err != nil {
			return ptraceErr("PT_LWPINFO", lwp, err)
		}
		// exited LWPs that didn't report yet
		if info.Flags&_PL_FLAG_EXITED != 0 {
			continue
		}
		t.lwpLog.Debugf("adding thread for LWP %d", lwp)
		t.reg.AddThread(ptid)
		finf.numLwps++
	}
	return nil
}

// UpdateThreadList synchronizes the thread list of every process with
// the kernel.
func (t *Target) UpdateThreadList() error {
	for _, inf := range t.reg.NonExitedInferiors() {
		finf := t.inferiors[inf.Pid]
		if finf == nil {
			continue
		}
		lwps, err := t.tracer.LwpList(inf.Pid)
		if err != nil {
			return ptraceErr("PT_GETLWPLIST", inf.Pid, err)
		}
		live := make(map[int]bool, len(lwps))
		for _, lwp := range lwps {
			live[lwp] = true
		}
		for _, th := range t.reg.NonExitedThreads(proc.PidPtid(inf.Pid)) {
			if th.Ptid.LwpP() && !live[th.Ptid.Lwp] {
				t.lwpLog.Debugf("deleting exited thread for LWP %d", th.Ptid.Lwp)
				t.arch.DeleteThread(th.Ptid)
				t.reg.DeleteThread(th.Ptid)
				finf.numLwps--
			}
		}
		if !t.reg.InThreadList(proc.PidPtid(inf.Pid)) {
			if err := t.addThreads(inf.Pid); err != nil {
				return err
			}
		}
	}
	return nil
}

// Mourn forgets pid after it exited or was killed.
func (t *Target) Mourn(pid int) {
	t.log.Debugf("mourning %d", pid)
	t.onProcessGone(pid)
	if t.ctty != nil && len(t.inferiors) == 0 {
		t.ctty.Close()
		t.ctty = nil
	}
}

// PC returns the program counter of the LWP of ptid.
func (t *Target) PC(ptid proc.Ptid) (uint64, error) {
	if !ptid.LwpP() {
		return 0, fmt.Errorf("%v has no LWP id", ptid)
	}
	pc, err := t.tracer.GetPC(ptid.Lwp)
	if err != nil {
		return 0, ptraceErr("PT_GETREGS", ptid.Lwp, err)
	}
	return pc, nil
}
