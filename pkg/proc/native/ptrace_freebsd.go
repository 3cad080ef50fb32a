package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
)

// ptraceTracer is the Tracer of the running kernel. Every request is
// issued from the same OS thread: the kernel only accepts requests from
// the thread that attached.
type ptraceTracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	log            logflags.Logger
}

// NewPtraceTracer returns a Tracer issuing real ptrace requests.
func NewPtraceTracer() Tracer {
	pt := &ptraceTracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceLogger(),
	}
	go pt.handlePtraceFuncs()
	return pt
}

func (pt *ptraceTracer) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PT_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range pt.ptraceChan {
		fn()
		pt.ptraceDoneChan <- nil
	}
}

func (pt *ptraceTracer) execPtraceFunc(fn func()) {
	pt.ptraceChan <- fn
	<-pt.ptraceDoneChan
}

func (pt *ptraceTracer) Close() {
	close(pt.ptraceChan)
}

// request issues a ptrace request with an integer data argument.
func (pt *ptraceTracer) request(req int, id int, addr uintptr, data int) error {
	var err error
	pt.execPtraceFunc(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(req), uintptr(id), addr, uintptr(data), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if logflags.Ptrace() {
		pt.log.Debugf("ptrace(%s, %d, %#x, %d) = %v", ptraceRequestName(req), id, addr, data, err)
	}
	return err
}

func ptraceRequestName(req int) string {
	switch req {
	case sys.PT_CONTINUE:
		return "PT_CONTINUE"
	case sys.PT_STEP:
		return "PT_STEP"
	case sys.PT_SYSCALL:
		return "PT_SYSCALL"
	case sys.PT_SUSPEND:
		return "PT_SUSPEND"
	case sys.PT_RESUME:
		return "PT_RESUME"
	case sys.PT_DETACH:
		return "PT_DETACH"
	case sys.PT_KILL:
		return "PT_KILL"
	case sys.PT_ATTACH:
		return "PT_ATTACH"
	case sys.PT_LWPINFO:
		return "PT_LWPINFO"
	case sys.PT_GETNUMLWPS:
		return "PT_GETNUMLWPS"
	case sys.PT_GETLWPLIST:
		return "PT_GETLWPLIST"
	case sys.PT_SETSTEP:
		return "PT_SETSTEP"
	case sys.PT_CLEARSTEP:
		return "PT_CLEARSTEP"
	case sys.PT_GET_EVENT_MASK:
		return "PT_GET_EVENT_MASK"
	case sys.PT_SET_EVENT_MASK:
		return "PT_SET_EVENT_MASK"
	case sys.PT_GETDBREGS:
		return "PT_GETDBREGS"
	case sys.PT_SETDBREGS:
		return "PT_SETDBREGS"
	case sys.PT_GETREGS:
		return "PT_GETREGS"
	case sys.PT_SETREGS:
		return "PT_SETREGS"
	case sys.PT_IO:
		return "PT_IO"
	}
	return fmt.Sprintf("PT_%d", req)
}

func (pt *ptraceTracer) Start(cmd *exec.Cmd, disableASLR bool) (int, error) {
	var err error
	pt.execPtraceFunc(func() {
		if disableASLR {
			restore, aerr := disableSelfASLR()
			if aerr != nil {
				logflags.WriteWarning("Failed to disable address space randomization: %v", aerr)
			} else {
				defer restore()
			}
		}
		err = cmd.Start()
	})
	if err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

const (
	_P_PID                   = 0
	_PROC_ASLR_CTL           = 13
	_PROC_ASLR_STATUS        = 14
	_PROC_ASLR_FORCE_DISABLE = 2
)

// disableSelfASLR disables ASLR for the debugger, which is inherited by
// processes started afterwards. The returned function restores the
// previous setting.
func disableSelfASLR() (func(), error) {
	pid := os.Getpid()
	var status int32
	if _, _, errno := sys.Syscall6(sys.SYS_PROCCTL, _P_PID, uintptr(pid), _PROC_ASLR_STATUS, uintptr(unsafe.Pointer(&status)), 0, 0); errno != 0 {
		return nil, errno
	}
	ctl := int32(_PROC_ASLR_FORCE_DISABLE)
	if _, _, errno := sys.Syscall6(sys.SYS_PROCCTL, _P_PID, uintptr(pid), _PROC_ASLR_CTL, uintptr(unsafe.Pointer(&ctl)), 0, 0); errno != 0 {
		return nil, errno
	}
	// PROC_ASLR_ACTIVE is reported together with the setting.
	prev := status & 0x7fffffff
	return func() {
		if _, _, errno := sys.Syscall6(sys.SYS_PROCCTL, _P_PID, uintptr(pid), _PROC_ASLR_CTL, uintptr(unsafe.Pointer(&prev)), 0, 0); errno != 0 {
			logflags.WriteWarning("Failed to restore address space randomization: %v", errno)
		}
	}, nil
}

func (pt *ptraceTracer) Attach(pid int) error {
	return pt.request(sys.PT_ATTACH, pid, 0, 0)
}

func (pt *ptraceTracer) Detach(pid int, sig sys.Signal) error {
	return pt.request(sys.PT_DETACH, pid, 1, int(sig))
}

func (pt *ptraceTracer) Kill(pid int) error {
	return pt.request(sys.PT_KILL, pid, 0, 0)
}

func (pt *ptraceTracer) Continue(id int, sig sys.Signal) error {
	return pt.request(sys.PT_CONTINUE, id, 1, int(sig))
}

func (pt *ptraceTracer) Step(id int, sig sys.Signal) error {
	return pt.request(sys.PT_STEP, id, 1, int(sig))
}

func (pt *ptraceTracer) Syscall(id int, sig sys.Signal) error {
	return pt.request(sys.PT_SYSCALL, id, 1, int(sig))
}

func (pt *ptraceTracer) SetStep(lwp int) error {
	return pt.request(sys.PT_SETSTEP, lwp, 0, 0)
}

func (pt *ptraceTracer) ClearStep(lwp int) error {
	return pt.request(sys.PT_CLEARSTEP, lwp, 0, 0)
}

func (pt *ptraceTracer) Suspend(lwp int) error {
	return pt.request(sys.PT_SUSPEND, lwp, 0, 0)
}

func (pt *ptraceTracer) Resume(lwp int) error {
	return pt.request(sys.PT_RESUME, lwp, 0, 0)
}

func (pt *ptraceTracer) LwpInfo(id int) (LwpInfo, error) {
	var pl sys.PtraceLwpInfoStruct
	var err error
	pt.execPtraceFunc(func() { err = sys.PtraceLwpInfo(id, &pl) })
	if err != nil {
		return LwpInfo{}, err
	}
	info := LwpInfo{
		Lwpid: int(pl.Lwpid),
		Event: int(pl.Event),
		Flags: int(pl.Flags),
		Siginfo: Siginfo{
			Signo: sys.Signal(pl.Siginfo.Signo),
			Code:  int(pl.Siginfo.Code),
			Addr:  uint64(pl.Siginfo.Addr),
		},
		ChildPid:    int(pl.Child_pid),
		SyscallCode: int(pl.Syscall_code),
	}
	name := make([]byte, 0, len(pl.Tdname))
	for _, c := range pl.Tdname {
		if c == 0 {
			break
		}
		name = append(name, byte(c))
	}
	info.Name = string(name)
	if logflags.Ptrace() {
		pt.log.Debugf("PT_LWPINFO(%d) = lwp %d flags %#x sig %d code %d", id, info.Lwpid, info.Flags, info.Siginfo.Signo, info.Siginfo.Code)
	}
	return info, nil
}

func (pt *ptraceTracer) LwpList(pid int) ([]int, error) {
	var (
		n   int
		err error
	)
	pt.execPtraceFunc(func() {
		r, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_GETNUMLWPS, uintptr(pid), 0, 0, 0, 0)
		if errno != 0 {
			err = errno
			return
		}
		n = int(r)
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	lwps := make([]int32, n)
	pt.execPtraceFunc(func() {
		r, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_GETLWPLIST, uintptr(pid), uintptr(unsafe.Pointer(&lwps[0])), uintptr(n), 0, 0)
		if errno != 0 {
			err = errno
			return
		}
		n = int(r)
	})
	if err != nil {
		return nil, err
	}
	r := make([]int, n)
	for i := range r {
		r[i] = int(lwps[i])
	}
	return r, nil
}

func (pt *ptraceTracer) EventMask(pid int) (int, error) {
	var mask int32
	var err error
	pt.execPtraceFunc(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_GET_EVENT_MASK, uintptr(pid), uintptr(unsafe.Pointer(&mask)), unsafe.Sizeof(mask), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	return int(mask), err
}

func (pt *ptraceTracer) SetEventMask(pid int, mask int) error {
	m := int32(mask)
	var err error
	pt.execPtraceFunc(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_SET_EVENT_MASK, uintptr(pid), uintptr(unsafe.Pointer(&m)), unsafe.Sizeof(m), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if logflags.Ptrace() {
		pt.log.Debugf("PT_SET_EVENT_MASK(%d, %#x) = %v", pid, mask, err)
	}
	return err
}

func (pt *ptraceTracer) GetDBRegs(id int) ([]byte, error) {
	b := make([]byte, arm64util.DBRegSize)
	var err error
	pt.execPtraceFunc(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_GETDBREGS, uintptr(id), uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (pt *ptraceTracer) SetDBRegs(id int, block []byte) error {
	if len(block) < arm64util.DBRegSize {
		return fmt.Errorf("debug register block too short: %d bytes", len(block))
	}
	var err error
	pt.execPtraceFunc(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PT_SETDBREGS, uintptr(id), uintptr(unsafe.Pointer(&block[0])), 0, 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if logflags.Ptrace() {
		pt.log.Debugf("PT_SETDBREGS(%d) = %v", id, err)
	}
	return err
}

func (pt *ptraceTracer) ReadMemory(pid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	pt.execPtraceFunc(func() { n, err = sys.PtraceIO(sys.PIOD_READ_D, pid, uintptr(addr), buf, len(buf)) })
	return n, err
}

func (pt *ptraceTracer) WriteMemory(pid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	pt.execPtraceFunc(func() { n, err = sys.PtraceIO(sys.PIOD_WRITE_D, pid, uintptr(addr), buf, len(buf)) })
	return n, err
}

func (pt *ptraceTracer) Wait4(pid int, options int) (int, sys.WaitStatus, error) {
	var (
		ws   sys.WaitStatus
		wpid int
		err  error
	)
	pt.execPtraceFunc(func() { wpid, err = sys.Wait4(pid, &ws, options, nil) })
	if logflags.Ptrace() && wpid != 0 {
		pt.log.Debugf("wait4(%d) = %d status %#x err %v", pid, wpid, uint32(ws), err)
	}
	return wpid, ws, err
}

func (pt *ptraceTracer) SignalProcess(pid int, sig sys.Signal) error {
	return sys.Kill(pid, sig)
}

// kinfoProcFlagOffset is the offset of ki_flag in struct kinfo_proc.
const kinfoProcFlagOffset = 368

func (pt *ptraceTracer) ProcFlags(pid int) (int, error) {
	b, err := sys.SysctlRaw("kern.proc.pid", pid)
	if err != nil {
		return 0, err
	}
	if len(b) < kinfoProcFlagOffset+8 {
		return 0, errors.New("short kinfo_proc")
	}
	return int(binary.LittleEndian.Uint64(b[kinfoProcFlagOffset:])), nil
}

func (pt *ptraceTracer) ExecPath(pid int) (string, error) {
	b, err := sys.SysctlRaw("kern.proc.pathname", pid)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return string(b), nil
}
