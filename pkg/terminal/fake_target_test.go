package terminal

import (
	"bytes"
	"fmt"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/config"
	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
	"github.com/go-delve/fbsdnat/pkg/proc/native"
)

type waitEvent struct {
	ptid proc.Ptid
	ws   proc.WaitStatus
	// exit removes ptid from the thread list before the event is returned.
	exit bool
}

// fakeTarget replays wait events and keeps a real debug register mirror
// for a single process.
type fakeTarget struct {
	reg    *proc.ThreadList
	pid    int
	events []waitEvent
	state  *arm64util.DebugRegState

	resumes  []string
	followed []string
	killed   []int
	detached []int

	dataAddr uint64
	dataHit  bool
	hwHit    bool

	pc      map[proc.Ptid]uint64
	memBase uint64
	mem     []byte

	// asyncCh is the notifier handed out by SetAsync. While quiet is
	// positive a polling Wait finds nothing and marks the notifier.
	asyncCh chan struct{}
	quiet   int
	polls   int
}

var (
	nopInst = []byte{0x1f, 0x20, 0x03, 0xd5}
	retInst = []byte{0xc0, 0x03, 0x5f, 0xd6}
)

// newFakeTarget returns a target tracing launched process 100 with LWPs
// 101 and 102, stopped at 0x1000.
func newFakeTarget() *fakeTarget {
	f := &fakeTarget{
		reg:     proc.NewThreadList(),
		pid:     100,
		state:   &arm64util.DebugRegState{NumBp: 2, NumWp: 2},
		pc:      map[proc.Ptid]uint64{},
		memBase: 0x1000,
	}
	f.reg.AddInferior(100).ExecPath = "/usr/bin/true"
	f.reg.AddThread(proc.LwpPtid(100, 101))
	f.reg.AddThread(proc.LwpPtid(100, 102))
	f.reg.SwitchTo(proc.LwpPtid(100, 101))
	f.pc[proc.LwpPtid(100, 101)] = 0x1000
	f.pc[proc.LwpPtid(100, 102)] = 0x1004
	f.mem = append(f.mem, nopInst...)
	f.mem = append(f.mem, nopInst...)
	f.mem = append(f.mem, arm64util.BreakpointInstruction...)
	f.mem = append(f.mem, retInst...)
	return f
}

func (f *fakeTarget) push(ptid proc.Ptid, ws proc.WaitStatus) {
	f.events = append(f.events, waitEvent{ptid: ptid, ws: ws})
}

// pushThreadExit queues the exit of LWP ptid, reported as spurious.
func (f *fakeTarget) pushThreadExit(ptid proc.Ptid) {
	f.events = append(f.events, waitEvent{ptid: ptid, ws: proc.Spurious(), exit: true})
}

func (f *fakeTarget) Registry() proc.Registry { return f.reg }

func (f *fakeTarget) Resume(ptid proc.Ptid, step bool, sig sys.Signal) error {
	f.resumes = append(f.resumes, fmt.Sprintf("%v step=%v sig=%d", ptid, step, int(sig)))
	return nil
}

func (f *fakeTarget) Wait(ptid proc.Ptid, opts native.WaitOptions) (proc.Ptid, proc.WaitStatus, error) {
	if opts.NoHang {
		f.polls++
		if f.quiet > 0 {
			f.quiet--
			f.asyncCh <- struct{}{}
			return proc.MinusOnePtid, proc.Ignore(), nil
		}
	}
	if len(f.events) == 0 {
		return proc.MinusOnePtid, proc.NoResumed(), nil
	}
	ev := f.events[0]
	f.events = f.events[1:]
	if ev.exit {
		f.reg.DeleteThread(ev.ptid)
	}
	return ev.ptid, ev.ws, nil
}

func (f *fakeTarget) FollowFork(parent, child proc.Ptid, kind proc.WaitKind, followChild, detachFork bool) error {
	f.followed = append(f.followed, fmt.Sprintf("%v %v -> %v follow=%v detach=%v", kind, parent, child, followChild, detachFork))
	if !detachFork {
		f.reg.AddInferior(child.Pid)
		f.reg.AddThread(child)
	}
	return nil
}

func (f *fakeTarget) FollowExec(ptid proc.Ptid, path string) error {
	f.followed = append(f.followed, fmt.Sprintf("exec %v %s", ptid, path))
	f.reg.FindInferior(ptid.Pid).ExecPath = path
	return nil
}

func (f *fakeTarget) UpdateThreadList() error { return nil }

func (f *fakeTarget) Mourn(pid int) { f.reg.RemoveInferior(pid) }

func (f *fakeTarget) Detach(pid int) error {
	f.detached = append(f.detached, pid)
	f.reg.RemoveInferior(pid)
	return nil
}

func (f *fakeTarget) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	f.reg.RemoveInferior(pid)
	return nil
}

func (f *fakeTarget) InsertWatchpoint(addr uint64, length int, typ arm64util.PointType) error {
	_, err := f.state.InsertPoint(typ, addr, length)
	return err
}

func (f *fakeTarget) InsertHWBreakpoint(addr uint64, length int) error {
	_, err := f.state.InsertPoint(arm64util.HWExecute, addr, length)
	return err
}

func (f *fakeTarget) RemovePointOf(pid int, typ arm64util.PointType, addr uint64, length int) error {
	if pid != f.pid {
		return proc.ErrNoProcess
	}
	_, err := f.state.RemovePoint(typ, addr, length)
	return err
}

func (f *fakeTarget) StoppedDataAddress() (uint64, bool) { return f.dataAddr, f.dataHit }

func (f *fakeTarget) StoppedByHWBreakpoint() bool { return f.hwHit }

func (f *fakeTarget) DebugRegState(pid int) *arm64util.DebugRegState {
	if pid != f.pid {
		return nil
	}
	return f.state
}

func (f *fakeTarget) PC(ptid proc.Ptid) (uint64, error) {
	pc, ok := f.pc[ptid]
	if !ok {
		return 0, fmt.Errorf("no registers for %v", ptid)
	}
	return pc, nil
}

func (f *fakeTarget) SetAsync(enable bool) <-chan struct{} {
	if !enable {
		f.asyncCh = nil
		return nil
	}
	if f.asyncCh == nil {
		f.asyncCh = make(chan struct{}, 1)
	}
	return f.asyncCh
}

func (f *fakeTarget) ReadMemory(pid int, addr uint64, buf []byte) (int, error) {
	if addr < f.memBase || addr >= f.memBase+uint64(len(f.mem)) {
		return 0, sys.EFAULT
	}
	return copy(buf, f.mem[addr-f.memBase:]), nil
}

type FakeTerminal struct {
	*Term
	tgt *fakeTarget
	out *bytes.Buffer
	t   testing.TB
}

func newFakeTerminal(t testing.TB, tgt *fakeTarget) *FakeTerminal {
	var buf bytes.Buffer
	conf := &config.Config{}
	sess := NewSession(conf, &buf)
	sess.Arch = "arm64"
	sess.SetTarget(tgt)
	term := &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(fbsdnat) ",
		cmds:   DebugCommands(),
		dumb:   true,
		stdout: &buf,
	}
	return &FakeTerminal{Term: term, tgt: tgt, out: &buf, t: t}
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}
