package terminal

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/hashicorp/go-multierror"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/config"
	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
	"github.com/go-delve/fbsdnat/pkg/proc/native"
)

// Target is the part of the native backend driven by the terminal.
type Target interface {
	Registry() proc.Registry
	Resume(ptid proc.Ptid, step bool, sig sys.Signal) error
	Wait(ptid proc.Ptid, opts native.WaitOptions) (proc.Ptid, proc.WaitStatus, error)
	FollowFork(parent, child proc.Ptid, kind proc.WaitKind, followChild, detachFork bool) error
	FollowExec(ptid proc.Ptid, path string) error
	UpdateThreadList() error
	Mourn(pid int)
	Detach(pid int) error
	Kill(pid int) error

	InsertWatchpoint(addr uint64, length int, typ arm64util.PointType) error
	InsertHWBreakpoint(addr uint64, length int) error
	RemovePointOf(pid int, typ arm64util.PointType, addr uint64, length int) error
	StoppedDataAddress() (uint64, bool)
	StoppedByHWBreakpoint() bool
	DebugRegState(pid int) *arm64util.DebugRegState

	PC(ptid proc.Ptid) (uint64, error)
	ReadMemory(pid int, addr uint64, buf []byte) (int, error)

	SetAsync(enable bool) <-chan struct{}
}

// hwPoint is a hardware breakpoint or watchpoint set by the user.
type hwPoint struct {
	ID   int
	Pid  int
	Type arm64util.PointType
	Addr uint64
	Len  int
	Hits int
}

func (p *hwPoint) String() string {
	if p.Type == arm64util.HWExecute {
		return fmt.Sprintf("Hardware breakpoint %d at %#x (pid %d)", p.ID, p.Addr, p.Pid)
	}
	return fmt.Sprintf("Watchpoint %d %s %#x len %d (pid %d)", p.ID, p.Type, p.Addr, p.Len, p.Pid)
}

// Session is the debugger state shared by the terminal commands. It is
// also the Core consulted by the native backend.
type Session struct {
	tgt  Target
	conf *config.Config
	// Arch is the architecture of the debugged processes.
	Arch string

	points []*hwPoint
	nextID int
	// lastSig is the signal that stopped the current thread, delivered on
	// the next resume.
	lastSig sys.Signal
	// async is marked when Wait may have an event, nil unless async mode
	// is enabled.
	async <-chan struct{}

	out io.Writer
}

// NewSession returns a Session without a target. SetTarget must be called
// before any command is executed.
func NewSession(conf *config.Config, out io.Writer) *Session {
	if conf == nil {
		conf = &config.Config{}
	}
	return &Session{conf: conf, Arch: runtime.GOARCH, nextID: 1, out: out}
}

// SetTarget sets the target driven by s. The target is switched to async
// mode if the configuration asks for it.
func (s *Session) SetTarget(tgt Target) {
	s.tgt = tgt
	s.async = nil
	s.updateAsync()
}

// updateAsync switches the target in or out of async mode to match the
// configuration.
func (s *Session) updateAsync() {
	switch {
	case s.tgt == nil:
	case s.conf.Async:
		s.async = s.tgt.SetAsync(true)
	case s.async != nil:
		s.tgt.SetAsync(false)
		s.async = nil
	}
}

// wait returns the next event of any thread. In async mode it polls the
// target every time the notifier fires.
func (s *Session) wait() (proc.Ptid, proc.WaitStatus, error) {
	if s.async == nil {
		return s.tgt.Wait(proc.MinusOnePtid, native.WaitOptions{})
	}
	for {
		wptid, ws, err := s.tgt.Wait(proc.MinusOnePtid, native.WaitOptions{NoHang: true})
		if err != nil || ws.Kind() != proc.WaitKindIgnore {
			return wptid, ws, err
		}
		<-s.async
	}
}

// DecrPCAfterBreak returns 0: the session only uses hardware breakpoints,
// which report the address of the breakpoint instruction.
func (s *Session) DecrPCAfterBreak() uint64 { return 0 }

func (s *Session) CatchSyscallEnabled() bool { return len(s.conf.CatchSyscalls) > 0 }

func (s *Session) CatchingSyscallNumber(n int) bool {
	for _, sc := range s.conf.CatchSyscalls {
		if sc == n {
			return true
		}
	}
	return false
}

// RemoveBreakpoints removes every hardware point of pid.
func (s *Session) RemoveBreakpoints(pid int) error {
	var result *multierror.Error
	kept := s.points[:0]
	for _, p := range s.points {
		if p.Pid != pid {
			kept = append(kept, p)
			continue
		}
		if err := s.tgt.RemovePointOf(pid, p.Type, p.Addr, p.Len); err != nil {
			result = multierror.Append(result, fmt.Errorf("point %d: %w", p.ID, err))
		}
	}
	s.points = kept
	return result.ErrorOrNil()
}

// forgetPoints drops the points of a process that is gone.
func (s *Session) forgetPoints(pid int) {
	kept := s.points[:0]
	for _, p := range s.points {
		if p.Pid != pid {
			kept = append(kept, p)
		}
	}
	s.points = kept
}

func (s *Session) current() (proc.Ptid, error) {
	if s.tgt == nil {
		return proc.NullPtid, proc.ErrNoProcess
	}
	cur := s.tgt.Registry().Current()
	if cur == proc.NullPtid {
		return proc.NullPtid, proc.ErrNoProcess
	}
	return cur, nil
}

func (s *Session) addPoint(typ arm64util.PointType, addr uint64, length int) (*hwPoint, error) {
	cur, err := s.current()
	if err != nil {
		return nil, err
	}
	if typ == arm64util.HWExecute {
		err = s.tgt.InsertHWBreakpoint(addr, length)
	} else {
		err = s.tgt.InsertWatchpoint(addr, length, typ)
	}
	if err != nil {
		return nil, err
	}
	p := &hwPoint{ID: s.nextID, Pid: cur.Pid, Type: typ, Addr: addr, Len: length}
	s.nextID++
	s.points = append(s.points, p)
	return p, nil
}

func (s *Session) findPoint(id int) (int, *hwPoint) {
	for i, p := range s.points {
		if p.ID == id {
			return i, p
		}
	}
	return -1, nil
}

func (s *Session) clearPoint(id int) (*hwPoint, error) {
	i, p := s.findPoint(id)
	if p == nil {
		return nil, fmt.Errorf("no breakpoint or watchpoint with id %d", id)
	}
	if err := s.tgt.RemovePointOf(p.Pid, p.Type, p.Addr, p.Len); err != nil {
		return nil, err
	}
	s.points = append(s.points[:i], s.points[i+1:]...)
	return p, nil
}

func (s *Session) sortedPoints() []*hwPoint {
	r := append([]*hwPoint(nil), s.points...)
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

var errNoResumed = errors.New("no resumed threads left to wait for")

// resume resumes ptid and waits until an event the user must see is
// reported. Fork, exec, vfork-done and spurious events are handled here
// and execution continues.
func (s *Session) resume(ptid proc.Ptid, step bool) (proc.Ptid, proc.WaitStatus, error) {
	if _, err := s.current(); err != nil {
		return proc.NullPtid, proc.Ignore(), err
	}
	sig := s.lastSig
	s.lastSig = 0
	reg := s.tgt.Registry()

	for {
		if err := s.tgt.Resume(ptid, step, sig); err != nil {
			return proc.NullPtid, proc.Ignore(), err
		}
		sig = 0

		wptid, ws, err := s.wait()
		if err != nil {
			return proc.NullPtid, proc.Ignore(), err
		}

		switch ws.Kind() {
		case proc.WaitKindSpurious, proc.WaitKindVforkDone, proc.WaitKindIgnore:
			if ptid.LwpP() && !reg.InThreadList(ptid) {
				// The LWP being stepped exited.
				fmt.Fprintf(s.out, "[%v] exited\n", ptid)
				return reg.Current(), ws, nil
			}
			continue

		case proc.WaitKindNoResumed:
			return wptid, ws, errNoResumed

		case proc.WaitKindForked, proc.WaitKindVforked:
			child := ws.ChildPtid()
			follow := s.conf.FollowForkChild
			detach := s.conf.GetDetachOnFork()
			if err := s.tgt.FollowFork(wptid, child, ws.Kind(), follow, detach); err != nil {
				return wptid, ws, err
			}
			switch {
			case follow:
				fmt.Fprintf(s.out, "Attaching after process %d %s to child process %d\n", wptid.Pid, ws.Kind(), child.Pid)
				ptid = proc.MinusOnePtid
			case detach:
				fmt.Fprintf(s.out, "Detaching after %s from child process %d\n", ws.Kind(), child.Pid)
			default:
				fmt.Fprintf(s.out, "New inferior %d after %s of process %d\n", child.Pid, ws.Kind(), wptid.Pid)
			}

		case proc.WaitKindExecd:
			if err := s.tgt.FollowExec(wptid, ws.ExecPath()); err != nil {
				return wptid, ws, err
			}
			s.forgetPoints(wptid.Pid)
			fmt.Fprintf(s.out, "process %d is executing new program: %s\n", wptid.Pid, ws.ExecPath())
			ptid = proc.MinusOnePtid
			step = false

		case proc.WaitKindExited, proc.WaitKindSignalled:
			s.tgt.Mourn(wptid.Pid)
			s.forgetPoints(wptid.Pid)
			if len(reg.NonExitedInferiors()) == 0 {
				return wptid, ws, nil
			}
			fmt.Fprintln(s.out, describeExit(wptid.Pid, ws))
			reg.SwitchTo(reg.NonExitedThreads(proc.MinusOnePtid)[0].Ptid)
			ptid = proc.MinusOnePtid
			step = false

		default:
			reg.SwitchTo(wptid)
			if ws.Kind() == proc.WaitKindStopped {
				switch ws.Sig() {
				case sys.SIGTRAP, sys.SIGSTOP, sys.SIGINT:
				default:
					s.lastSig = ws.Sig()
				}
			}
			return wptid, ws, nil
		}
	}
}

func describeExit(pid int, ws proc.WaitStatus) string {
	if ws.Kind() == proc.WaitKindSignalled {
		return fmt.Sprintf("Process %d was killed by %s", pid, signalName(ws.Sig()))
	}
	return fmt.Sprintf("Process %d has exited with status %d", pid, ws.ExitCode())
}

func signalName(sig sys.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}

// describeStop returns a description of the stop of the current thread.
func (s *Session) describeStop(wptid proc.Ptid, ws proc.WaitStatus) string {
	switch ws.Kind() {
	case proc.WaitKindExited, proc.WaitKindSignalled:
		return describeExit(wptid.Pid, ws)
	case proc.WaitKindSyscallEntry:
		return fmt.Sprintf("[%v] system call %d entry", wptid, ws.SyscallNumber())
	case proc.WaitKindSyscallReturn:
		return fmt.Sprintf("[%v] system call %d return", wptid, ws.SyscallNumber())
	case proc.WaitKindSpurious:
		return fmt.Sprintf("[%v] stopped", wptid)
	case proc.WaitKindStopped:
	default:
		return fmt.Sprintf("[%v] %v", wptid, ws)
	}

	if ws.Sig() == sys.SIGTRAP {
		if addr, ok := s.tgt.StoppedDataAddress(); ok {
			for _, p := range s.points {
				if p.Pid == wptid.Pid && p.Type != arm64util.HWExecute && p.Addr == addr {
					p.Hits++
					return fmt.Sprintf("[%v] watchpoint %d hit, data address %#x", wptid, p.ID, addr)
				}
			}
			return fmt.Sprintf("[%v] watchpoint hit, data address %#x", wptid, addr)
		}
		if s.tgt.StoppedByHWBreakpoint() {
			pc, _ := s.tgt.PC(wptid)
			for _, p := range s.points {
				if p.Pid == wptid.Pid && p.Type == arm64util.HWExecute && p.Addr == pc {
					p.Hits++
					return fmt.Sprintf("[%v] hardware breakpoint %d hit", wptid, p.ID)
				}
			}
			return fmt.Sprintf("[%v] hardware breakpoint hit", wptid)
		}
		return fmt.Sprintf("[%v] stopped", wptid)
	}
	return fmt.Sprintf("[%v] received signal %s", wptid, signalName(ws.Sig()))
}

// location returns the PC of ptid followed by the instruction there, if
// it can be decoded.
func (s *Session) location(ptid proc.Ptid) string {
	pc, err := s.tgt.PC(ptid)
	if err != nil {
		return fmt.Sprintf("<unknown pc: %v>", err)
	}
	if s.Arch != "arm64" {
		return fmt.Sprintf("%#x", pc)
	}
	buf := make([]byte, arm64util.InstructionSize)
	if _, err := s.tgt.ReadMemory(ptid.Pid, pc, buf); err != nil {
		return fmt.Sprintf("%#x", pc)
	}
	_, text, err := arm64util.ClassifyInstruction(buf)
	if err != nil {
		return fmt.Sprintf("%#x", pc)
	}
	return fmt.Sprintf("%#x: %s", pc, text)
}

// quit ends the session: launched processes are killed, attached ones
// are detached from.
func (s *Session) quit(kill bool) error {
	if s.tgt == nil {
		return nil
	}
	var result *multierror.Error
	for _, inf := range s.tgt.Registry().NonExitedInferiors() {
		var err error
		if kill || !inf.Attached {
			err = s.tgt.Kill(inf.Pid)
		} else {
			err = s.tgt.Detach(inf.Pid)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("process %d: %w", inf.Pid, err))
		}
		s.forgetPoints(inf.Pid)
	}
	return result.ErrorOrNil()
}
