package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// WaitKind is the kind of event reported by Wait.
type WaitKind uint8

const (
	WaitKindExited WaitKind = iota
	WaitKindSignalled
	WaitKindStopped
	WaitKindForked
	WaitKindVforked
	WaitKindVforkDone
	WaitKindExecd
	WaitKindSyscallEntry
	WaitKindSyscallReturn
	// WaitKindSpurious is reported when something changed in the thread
	// list and the caller should poll again.
	WaitKindSpurious
	// WaitKindIgnore means nothing was reported, either because a
	// non-blocking wait found nothing or because wait failed.
	WaitKindIgnore
	// WaitKindNoResumed means there are no resumed children left to wait
	// for.
	WaitKindNoResumed
)

var waitKindNames = map[WaitKind]string{
	WaitKindExited:        "exited",
	WaitKindSignalled:     "signalled",
	WaitKindStopped:       "stopped",
	WaitKindForked:        "forked",
	WaitKindVforked:       "vforked",
	WaitKindVforkDone:     "vfork-done",
	WaitKindExecd:         "execd",
	WaitKindSyscallEntry:  "syscall-entry",
	WaitKindSyscallReturn: "syscall-return",
	WaitKindSpurious:      "spurious",
	WaitKindIgnore:        "ignore",
	WaitKindNoResumed:     "no-resumed",
}

func (k WaitKind) String() string {
	if s, ok := waitKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("WaitKind(%d)", uint8(k))
}

// WaitStatus is the decoded result of waiting on a traced process.
type WaitStatus struct {
	kind  WaitKind
	value int
	child Ptid
	path  string
}

func Exited(code int) WaitStatus          { return WaitStatus{kind: WaitKindExited, value: code} }
func Signalled(sig sys.Signal) WaitStatus { return WaitStatus{kind: WaitKindSignalled, value: int(sig)} }
func Stopped(sig sys.Signal) WaitStatus   { return WaitStatus{kind: WaitKindStopped, value: int(sig)} }
func Forked(child Ptid) WaitStatus        { return WaitStatus{kind: WaitKindForked, child: child} }
func Vforked(child Ptid) WaitStatus       { return WaitStatus{kind: WaitKindVforked, child: child} }
func VforkDone() WaitStatus               { return WaitStatus{kind: WaitKindVforkDone} }
func Execd(path string) WaitStatus        { return WaitStatus{kind: WaitKindExecd, path: path} }
func SyscallEntry(n int) WaitStatus       { return WaitStatus{kind: WaitKindSyscallEntry, value: n} }
func SyscallReturn(n int) WaitStatus      { return WaitStatus{kind: WaitKindSyscallReturn, value: n} }
func Spurious() WaitStatus                { return WaitStatus{kind: WaitKindSpurious} }
func Ignore() WaitStatus                  { return WaitStatus{kind: WaitKindIgnore} }
func NoResumed() WaitStatus               { return WaitStatus{kind: WaitKindNoResumed} }

// FromHostStatus converts a status returned by wait4.
//
// The status is decoded by hand: the BSD WaitStatus.Stopped method of
// x/sys/unix reports stops caused by SIGSTOP as not stopped.
func FromHostStatus(ws sys.WaitStatus) WaitStatus {
	const (
		waitMask    = 0x7f
		waitStopped = 0x7f
	)
	switch low := uint32(ws) & waitMask; low {
	case 0:
		return Exited(int(uint32(ws)>>8) & 0xff)
	case waitStopped:
		return Stopped(sys.Signal(uint32(ws)>>8) & 0xff)
	default:
		return Signalled(sys.Signal(low))
	}
}

func (ws WaitStatus) Kind() WaitKind { return ws.kind }

// Sig returns the signal of a Stopped or Signalled status.
func (ws WaitStatus) Sig() sys.Signal {
	if ws.kind != WaitKindStopped && ws.kind != WaitKindSignalled {
		return 0
	}
	return sys.Signal(ws.value)
}

// ExitCode returns the exit code of an Exited status.
func (ws WaitStatus) ExitCode() int {
	if ws.kind != WaitKindExited {
		return 0
	}
	return ws.value
}

// ChildPtid returns the new process of a Forked or Vforked status.
func (ws WaitStatus) ChildPtid() Ptid { return ws.child }

// ExecPath returns the new executable of an Execd status.
func (ws WaitStatus) ExecPath() string { return ws.path }

// SyscallNumber returns the system call of a syscall entry or return.
func (ws WaitStatus) SyscallNumber() int {
	if ws.kind != WaitKindSyscallEntry && ws.kind != WaitKindSyscallReturn {
		return 0
	}
	return ws.value
}

// IsFork returns true for Forked and Vforked statuses.
func (ws WaitStatus) IsFork() bool {
	return ws.kind == WaitKindForked || ws.kind == WaitKindVforked
}

// ProcessGone returns true if the status reports the end of the process.
func (ws WaitStatus) ProcessGone() bool {
	return ws.kind == WaitKindExited || ws.kind == WaitKindSignalled
}

func (ws WaitStatus) String() string {
	switch ws.kind {
	case WaitKindExited:
		return fmt.Sprintf("exited, status = %d", ws.value)
	case WaitKindSignalled, WaitKindStopped:
		return fmt.Sprintf("%s, signal = %v", ws.kind, sys.Signal(ws.value))
	case WaitKindForked, WaitKindVforked:
		return fmt.Sprintf("%s, child = %v", ws.kind, ws.child)
	case WaitKindExecd:
		return fmt.Sprintf("execd, path = %s", ws.path)
	case WaitKindSyscallEntry, WaitKindSyscallReturn:
		return fmt.Sprintf("%s, syscall = %d", ws.kind, ws.value)
	}
	return ws.kind.String()
}
