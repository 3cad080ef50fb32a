package native

import (
	"os/exec"

	sys "golang.org/x/sys/unix"
)

// Flags of struct ptrace_lwpinfo, pl_flags.
const (
	_PL_FLAG_SA         = 0x01
	_PL_FLAG_BOUND      = 0x02
	_PL_FLAG_SCE        = 0x04
	_PL_FLAG_SCX        = 0x08
	_PL_FLAG_EXEC       = 0x10
	_PL_FLAG_SI         = 0x20
	_PL_FLAG_FORKED     = 0x40
	_PL_FLAG_CHILD      = 0x80
	_PL_FLAG_BORN       = 0x100
	_PL_FLAG_EXITED     = 0x200
	_PL_FLAG_VFORKED    = 0x400
	_PL_FLAG_VFORK_DONE = 0x800
)

// Bits of the PT_GET_EVENT_MASK/PT_SET_EVENT_MASK event mask.
const (
	_PTRACE_EXEC  = 0x01
	_PTRACE_SCE   = 0x02
	_PTRACE_SCX   = 0x04
	_PTRACE_FORK  = 0x08
	_PTRACE_LWP   = 0x10
	_PTRACE_VFORK = 0x20
)

// si_code values for SIGTRAP.
const (
	_TRAP_BRKPT = 1
	_TRAP_TRACE = 2
)

// _P_PPWAIT is set in ki_flag of a vforked child until it execs or exits.
const _P_PPWAIT = 0x10

// Siginfo is the part of siginfo_t reported by PT_LWPINFO that the
// dispatcher uses.
type Siginfo struct {
	Signo sys.Signal
	Code  int
	Addr  uint64
}

// LwpInfo is the result of PT_LWPINFO.
type LwpInfo struct {
	Lwpid       int
	Event       int
	Flags       int
	Siginfo     Siginfo
	ChildPid    int
	SyscallCode int
	Name        string
}

// Tracer issues ptrace requests and the related process control system
// calls. Every method maps to a single request.
type Tracer interface {
	// Start starts cmd with tracing enabled and returns its pid.
	Start(cmd *exec.Cmd, disableASLR bool) (int, error)
	Attach(pid int) error
	Detach(pid int, sig sys.Signal) error
	Kill(pid int) error

	// Continue, Step and Syscall resume id from where it stopped,
	// delivering sig.
	Continue(id int, sig sys.Signal) error
	Step(id int, sig sys.Signal) error
	Syscall(id int, sig sys.Signal) error
	SetStep(lwp int) error
	ClearStep(lwp int) error
	Suspend(lwp int) error
	Resume(lwp int) error

	LwpInfo(id int) (LwpInfo, error)
	LwpList(pid int) ([]int, error)
	EventMask(pid int) (int, error)
	SetEventMask(pid int, mask int) error

	GetDBRegs(id int) ([]byte, error)
	SetDBRegs(id int, block []byte) error
	GetPC(lwp int) (uint64, error)
	SetPC(lwp int, pc uint64) error

	ReadMemory(pid int, addr uint64, buf []byte) (int, error)
	WriteMemory(pid int, addr uint64, buf []byte) (int, error)

	// Wait4 waits for a state change of pid, or of any child if pid is
	// -1.
	Wait4(pid int, options int) (int, sys.WaitStatus, error)
	// SignalProcess sends sig to the whole process with kill(2).
	SignalProcess(pid int, sig sys.Signal) error
	// ProcFlags returns ki_flag of the process.
	ProcFlags(pid int) (int, error)
	ExecPath(pid int) (string, error)

	// Close releases the resources of the tracer.
	Close()
}
