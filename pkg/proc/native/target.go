package native

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

// Core is the part of the debugger core consulted by the event
// dispatcher.
type Core interface {
	// DecrPCAfterBreak is the amount the PC must be moved back after a
	// software breakpoint trap.
	DecrPCAfterBreak() uint64
	// CatchSyscallEnabled returns true if any system call is being
	// caught.
	CatchSyscallEnabled() bool
	// CatchingSyscallNumber returns true if stops for system call n must
	// be reported.
	CatchingSyscallNumber(n int) bool
	// RemoveBreakpoints removes every breakpoint inserted in process pid.
	RemoveBreakpoints(pid int) error
}

// DefaultCore is a Core configured with plain values.
type DefaultCore struct {
	DecrPC        uint64
	CatchSyscalls []int
	// RemoveBreakpointsFunc is called by RemoveBreakpoints, if set.
	RemoveBreakpointsFunc func(pid int) error
}

func (c *DefaultCore) DecrPCAfterBreak() uint64 { return c.DecrPC }

func (c *DefaultCore) CatchSyscallEnabled() bool { return len(c.CatchSyscalls) > 0 }

func (c *DefaultCore) CatchingSyscallNumber(n int) bool {
	for _, sc := range c.CatchSyscalls {
		if sc == n {
			return true
		}
	}
	return false
}

func (c *DefaultCore) RemoveBreakpoints(pid int) error {
	if c.RemoveBreakpointsFunc == nil {
		return nil
	}
	return c.RemoveBreakpointsFunc(pid)
}

// Options configures a Target.
type Options struct {
	// LegacySetStep steps with PT_SETSTEP on the stepping LWP followed by
	// a process wide continue.
	LegacySetStep bool
	// NoVforkEvents is set for kernels without PTRACE_VFORK. Vforks are
	// then recognized through P_PPWAIT and vfork-done is emulated.
	NoVforkEvents bool
	// Arch selects the debug register policy. Defaults to runtime.GOARCH.
	Arch string
	// ShowDebugRegs logs the debug register mirror on every change.
	ShowDebugRegs bool
	// Registerer receives the metrics of the target. May be nil.
	Registerer prometheus.Registerer
}

// fbsdInferior is the dispatcher state of one traced process.
type fbsdInferior struct {
	// resumedLwps selects the LWPs allowed to report an event.
	resumedLwps proc.Ptid
	// numLwps is the number of live LWPs.
	numLwps int
	// runningLwps is the number of LWPs continued at the OS level.
	runningLwps int
	// pendingSigstop is set when a SIGSTOP sent to quiesce the process
	// has not been reported yet.
	pendingSigstop bool
	// legacyStepLwp is the LWP stepped with PT_SETSTEP, cleared once the
	// process stops.
	legacyStepLwp int
}

type pendingEvent struct {
	ptid   proc.Ptid
	status proc.WaitStatus
}

// Target is the FreeBSD native event dispatcher. It multiplexes the
// events of every LWP of every traced process over wait4 and PT_LWPINFO,
// deferring events reported by LWPs that were not resumed.
//
// A Target must only be used from one goroutine.
type Target struct {
	ptraceTarget

	arch ArchPolicy
	opts Options

	inferiors     map[int]*fbsdInferior
	pendingEvents []pendingEvent
	// pendingChildren holds fork children that reported their first stop
	// before the parent reported the fork.
	pendingChildren []proc.Ptid
	// pendingVforkDone holds parents with an emulated vfork-done event.
	pendingVforkDone []proc.Ptid

	async   *asyncNotifier
	metrics *metrics

	log    logflags.Logger
	lwpLog logflags.Logger
}

// NewTarget returns a Target issuing requests through tracer.
func NewTarget(tracer Tracer, reg proc.Registry, core Core, opts Options) *Target {
	if core == nil {
		core = &DefaultCore{}
	}
	if opts.Arch == "" {
		opts.Arch = runtime.GOARCH
	}
	t := &Target{
		ptraceTarget: ptraceTarget{tracer: tracer, reg: reg, core: core},
		opts:         opts,
		inferiors:    make(map[int]*fbsdInferior),
		metrics:      newMetrics(opts.Registerer),
		log:          logflags.NatLogger(),
		lwpLog:       logflags.LWPLogger(),
	}
	t.arch = newArchPolicy(opts.Arch, tracer, reg, opts.ShowDebugRegs, t.metrics)
	return t
}

// Registry returns the thread and inferior list maintained by t.
func (t *Target) Registry() proc.Registry {
	return t.reg
}

// onProcessCreated registers the dispatcher state of a new process. The
// process starts out running, expecting its first stop.
func (t *Target) onProcessCreated(pid int, running bool) *fbsdInferior {
	finf := &fbsdInferior{numLwps: 1}
	if running {
		finf.resumedLwps = proc.PidPtid(pid)
		finf.runningLwps = 1
	}
	t.inferiors[pid] = finf
	return finf
}

// onProcessGone drops every piece of state associated with pid.
func (t *Target) onProcessGone(pid int) {
	for _, th := range t.reg.NonExitedThreads(proc.PidPtid(pid)) {
		t.arch.DeleteThread(th.Ptid)
	}
	delete(t.inferiors, pid)
	t.arch.ForgetProcess(pid)
	t.reg.RemoveInferior(pid)

	events := t.pendingEvents[:0]
	for _, ev := range t.pendingEvents {
		if ev.ptid.Pid != pid {
			events = append(events, ev)
		}
	}
	t.pendingEvents = events
}

func (t *Target) nativeState(pid int) *fbsdInferior {
	finf := t.inferiors[pid]
	if finf == nil {
		panic(fmt.Sprintf("no native state for process %d", pid))
	}
	return finf
}

func (t *Target) addPendingEvent(ptid proc.Ptid, status proc.WaitStatus) {
	t.pendingEvents = append(t.pendingEvents, pendingEvent{ptid, status})
	t.metrics.pendingEvents.Set(float64(len(t.pendingEvents)))
}

func (t *Target) havePendingEvent(filter proc.Ptid) bool {
	for _, ev := range t.pendingEvents {
		if ev.ptid.Matches(filter) {
			return true
		}
	}
	return false
}

// takePendingEvent removes and returns the first banked event matching
// filter whose LWP is allowed to report by its process.
func (t *Target) takePendingEvent(filter proc.Ptid) (pendingEvent, bool) {
	for i, ev := range t.pendingEvents {
		if !ev.ptid.Matches(filter) {
			continue
		}
		finf := t.inferiors[ev.ptid.Pid]
		if finf == nil || !ev.ptid.Matches(finf.resumedLwps) {
			continue
		}
		t.pendingEvents = append(t.pendingEvents[:i], t.pendingEvents[i+1:]...)
		t.metrics.pendingEvents.Set(float64(len(t.pendingEvents)))
		return ev, true
	}
	return pendingEvent{}, false
}

// PendingEvents returns the number of banked events.
func (t *Target) PendingEvents() int {
	return len(t.pendingEvents)
}

// Running returns the number of LWPs of pid continued at the OS level.
func (t *Target) Running(pid int) int {
	if finf := t.inferiors[pid]; finf != nil {
		return finf.runningLwps
	}
	return 0
}

// NumLwps returns the number of live LWPs of pid.
func (t *Target) NumLwps(pid int) int {
	if finf := t.inferiors[pid]; finf != nil {
		return finf.numLwps
	}
	return 0
}

// ptraceErr wraps the failure of a request that must succeed.
func ptraceErr(request string, id int, err error) error {
	if err == nil {
		return nil
	}
	return &proc.PtraceError{Request: request, ID: id, Err: err}
}

// continueProcess issues PT_CONTINUE on pid.
func (t *Target) continueProcess(pid int, sig sys.Signal) error {
	return ptraceErr("PT_CONTINUE", pid, t.tracer.Continue(pid, sig))
}
