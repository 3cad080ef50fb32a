package native

import (
	"fmt"
	"os/exec"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/proc"
)

func stopStatus(sig sys.Signal) sys.WaitStatus {
	return sys.WaitStatus(uint32(sig)<<8 | 0x7f)
}

func exitStatus(code int) sys.WaitStatus {
	return sys.WaitStatus(uint32(code) << 8)
}

func signalStatus(sig sys.Signal) sys.WaitStatus {
	return sys.WaitStatus(uint32(sig))
}

type fakeEvent struct {
	seq    int
	status sys.WaitStatus
	info   LwpInfo
}

type fakeProc struct {
	pid     int
	running bool
	events  []fakeEvent
	// racing events become visible when the process is signalled, ahead
	// of the signal itself.
	racing []fakeEvent
	last   LwpInfo
	lwps   []int
	mask   int
	flags  int
	path   string
}

// fakeTracer is a scripted kernel. Events queued for a process are
// reported by Wait4 in queue order, once the process is continued.
type fakeTracer struct {
	procs   map[int]*fakeProc
	lwpInfo map[int]LwpInfo
	seq     int

	dbregBlock []byte
	dbregs     map[int][]byte
	pcs        map[int]uint64
	mem        map[uint64]byte

	startPid int
	requests []string

	// signalErr fails every SignalProcess call.
	signalErr error
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{
		procs:   make(map[int]*fakeProc),
		lwpInfo: make(map[int]LwpInfo),
		dbregs:  make(map[int][]byte),
		pcs:     make(map[int]uint64),
		mem:     make(map[uint64]byte),
	}
}

func (ft *fakeTracer) record(format string, args ...interface{}) {
	ft.requests = append(ft.requests, fmt.Sprintf(format, args...))
}

// addProc adds a traced process with the given LWPs.
func (ft *fakeTracer) addProc(pid int, running bool, lwps ...int) *fakeProc {
	p := &fakeProc{pid: pid, running: running, lwps: lwps, path: fmt.Sprintf("/usr/bin/prog%d", pid)}
	ft.procs[pid] = p
	return p
}

func (ft *fakeTracer) newEvent(status sys.WaitStatus, info LwpInfo) fakeEvent {
	ft.seq++
	return fakeEvent{seq: ft.seq, status: status, info: info}
}

// queue appends an event to the events of pid.
func (ft *fakeTracer) queue(pid int, status sys.WaitStatus, info LwpInfo) {
	p := ft.procs[pid]
	p.events = append(p.events, ft.newEvent(status, info))
}

// queueRacing queues an event that is reported before the next signal
// sent to pid.
func (ft *fakeTracer) queueRacing(pid int, status sys.WaitStatus, info LwpInfo) {
	p := ft.procs[pid]
	p.racing = append(p.racing, ft.newEvent(status, info))
}

func (ft *fakeTracer) queueStop(pid, lwp int, sig sys.Signal, flags int) {
	ft.queue(pid, stopStatus(sig), LwpInfo{Lwpid: lwp, Flags: flags, Siginfo: Siginfo{Signo: sig}})
}

func (ft *fakeTracer) queueTrap(pid, lwp, code int, addr uint64) {
	ft.queue(pid, stopStatus(sys.SIGTRAP), LwpInfo{Lwpid: lwp, Flags: _PL_FLAG_SI, Siginfo: Siginfo{Signo: sys.SIGTRAP, Code: code, Addr: addr}})
}

func (ft *fakeTracer) queueExit(pid, code int) {
	ft.queue(pid, exitStatus(code), LwpInfo{})
}

func (ft *fakeTracer) reset() {
	ft.requests = nil
}

// count returns the number of requests starting with prefix.
func (ft *fakeTracer) count(prefix string) int {
	n := 0
	for _, r := range ft.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// index returns the position of the first request equal to req, or -1.
func (ft *fakeTracer) index(req string) int {
	for i, r := range ft.requests {
		if r == req {
			return i
		}
	}
	return -1
}

func (ft *fakeTracer) running(id int) {
	if p := ft.procs[id]; p != nil {
		p.running = true
	}
}

func (ft *fakeTracer) Start(cmd *exec.Cmd, disableASLR bool) (int, error) {
	ft.record("start %s", strings.Join(cmd.Args, " "))
	pid := ft.startPid
	ft.addProc(pid, true, pid+1)
	ft.queue(pid, stopStatus(sys.SIGTRAP), LwpInfo{Lwpid: pid + 1, Flags: _PL_FLAG_EXEC | _PL_FLAG_SI, Siginfo: Siginfo{Signo: sys.SIGTRAP}})
	return pid, nil
}

func (ft *fakeTracer) Attach(pid int) error {
	ft.record("PT_ATTACH %d", pid)
	p := ft.procs[pid]
	if p == nil {
		return sys.ESRCH
	}
	p.running = true
	p.events = append([]fakeEvent{ft.newEvent(stopStatus(sys.SIGSTOP), LwpInfo{Lwpid: p.lwps[0], Flags: _PL_FLAG_SI, Siginfo: Siginfo{Signo: sys.SIGSTOP}})}, p.events...)
	return nil
}

func (ft *fakeTracer) Detach(pid int, sig sys.Signal) error {
	ft.record("PT_DETACH %d %d", pid, sig)
	if ft.procs[pid] == nil {
		return sys.ESRCH
	}
	delete(ft.procs, pid)
	return nil
}

func (ft *fakeTracer) Kill(pid int) error {
	ft.record("PT_KILL %d", pid)
	p := ft.procs[pid]
	if p == nil {
		return sys.ESRCH
	}
	p.events = []fakeEvent{ft.newEvent(signalStatus(sys.SIGKILL), LwpInfo{})}
	p.running = true
	return nil
}

func (ft *fakeTracer) Continue(id int, sig sys.Signal) error {
	ft.record("PT_CONTINUE %d %d", id, sig)
	ft.running(id)
	return nil
}

func (ft *fakeTracer) Step(id int, sig sys.Signal) error {
	ft.record("PT_STEP %d %d", id, sig)
	ft.running(id)
	return nil
}

func (ft *fakeTracer) Syscall(id int, sig sys.Signal) error {
	ft.record("PT_SYSCALL %d %d", id, sig)
	ft.running(id)
	return nil
}

func (ft *fakeTracer) SetStep(lwp int) error {
	ft.record("PT_SETSTEP %d", lwp)
	return nil
}

func (ft *fakeTracer) ClearStep(lwp int) error {
	ft.record("PT_CLEARSTEP %d", lwp)
	return nil
}

func (ft *fakeTracer) Suspend(lwp int) error {
	ft.record("PT_SUSPEND %d", lwp)
	return nil
}

func (ft *fakeTracer) Resume(lwp int) error {
	ft.record("PT_RESUME %d", lwp)
	return nil
}

func (ft *fakeTracer) LwpInfo(id int) (LwpInfo, error) {
	if p := ft.procs[id]; p != nil {
		return p.last, nil
	}
	if info, ok := ft.lwpInfo[id]; ok {
		return info, nil
	}
	return LwpInfo{Lwpid: id}, nil
}

func (ft *fakeTracer) LwpList(pid int) ([]int, error) {
	p := ft.procs[pid]
	if p == nil {
		return nil, sys.ESRCH
	}
	return append([]int(nil), p.lwps...), nil
}

func (ft *fakeTracer) EventMask(pid int) (int, error) {
	p := ft.procs[pid]
	if p == nil {
		return 0, sys.ESRCH
	}
	return p.mask, nil
}

func (ft *fakeTracer) SetEventMask(pid int, mask int) error {
	ft.record("PT_SET_EVENT_MASK %d %#x", pid, mask)
	p := ft.procs[pid]
	if p == nil {
		return sys.ESRCH
	}
	p.mask = mask
	return nil
}

func (ft *fakeTracer) GetDBRegs(id int) ([]byte, error) {
	ft.record("PT_GETDBREGS %d", id)
	if ft.dbregBlock == nil {
		return nil, sys.EINVAL
	}
	return append([]byte(nil), ft.dbregBlock...), nil
}

func (ft *fakeTracer) SetDBRegs(id int, block []byte) error {
	ft.record("PT_SETDBREGS %d", id)
	ft.dbregs[id] = append([]byte(nil), block...)
	return nil
}

func (ft *fakeTracer) GetPC(lwp int) (uint64, error) {
	return ft.pcs[lwp], nil
}

func (ft *fakeTracer) SetPC(lwp int, pc uint64) error {
	ft.record("PT_SETREGS %d", lwp)
	ft.pcs[lwp] = pc
	return nil
}

func (ft *fakeTracer) ReadMemory(pid int, addr uint64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = ft.mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (ft *fakeTracer) WriteMemory(pid int, addr uint64, buf []byte) (int, error) {
	for i, b := range buf {
		ft.mem[addr+uint64(i)] = b
	}
	return len(buf), nil
}

func (ft *fakeTracer) Wait4(pid int, options int) (int, sys.WaitStatus, error) {
	var best *fakeProc
	for _, p := range ft.procs {
		if pid != -1 && p.pid != pid {
			continue
		}
		if !p.running || len(p.events) == 0 {
			continue
		}
		if best == nil || p.events[0].seq < best.events[0].seq {
			best = p
		}
	}
	if best == nil {
		if pid != -1 && ft.procs[pid] == nil || len(ft.procs) == 0 {
			return 0, 0, sys.ECHILD
		}
		if options&sys.WNOHANG != 0 {
			return 0, 0, nil
		}
		panic(fmt.Sprintf("wait4(%d) would block forever", pid))
	}
	ev := best.events[0]
	best.events = best.events[1:]
	best.running = false
	ft.record("wait4 %d", best.pid)
	ws := proc.FromHostStatus(ev.status)
	if ws.ProcessGone() {
		delete(ft.procs, best.pid)
	} else {
		best.last = ev.info
		ft.lwpInfo[ev.info.Lwpid] = ev.info
	}
	return best.pid, ev.status, nil
}

func (ft *fakeTracer) SignalProcess(pid int, sig sys.Signal) error {
	ft.record("kill %d %d", pid, sig)
	if ft.signalErr != nil {
		return ft.signalErr
	}
	p := ft.procs[pid]
	if p == nil {
		return sys.ESRCH
	}
	p.events = append(p.events, p.racing...)
	p.racing = nil
	p.events = append(p.events, ft.newEvent(stopStatus(sig), LwpInfo{Lwpid: p.lwps[0], Flags: _PL_FLAG_SI, Siginfo: Siginfo{Signo: sig}}))
	return nil
}

func (ft *fakeTracer) ProcFlags(pid int) (int, error) {
	p := ft.procs[pid]
	if p == nil {
		return 0, sys.ESRCH
	}
	return p.flags, nil
}

func (ft *fakeTracer) ExecPath(pid int) (string, error) {
	p := ft.procs[pid]
	if p == nil {
		return "", sys.ESRCH
	}
	return p.path, nil
}

func (ft *fakeTracer) Close() {}
