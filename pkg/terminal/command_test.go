package terminal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/config"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func findCmdName(c *Commands, cmdstr string) string {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.aliases[0]
		}
	}
	return ""
}

func TestCommandPrefix(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())

	out := term.MustExec("brea")
	require.Equal(t, "No hardware breakpoints or watchpoints.\n", out)

	term.AssertExecError("cle", `ambiguous command "cle"`)
	term.AssertExecError("co", `ambiguous command "co"`)
	term.AssertExecError("zzz", "command not available")

	out = term.MustExec("")
	require.Empty(t, out)

	require.Equal(t, []string{"thread", "threads"}, term.cmds.complete("th"))
	require.Equal(t, []string{"c", "clear", "clearall", "config", "continue"}, term.cmds.complete("C"))
}

func TestHelp(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())

	out := term.MustExec("help")
	require.Contains(t, out, "Running the program:")
	require.Contains(t, out, "continue (alias: c)")
	require.Contains(t, out, "exit (alias: quit | q)")

	out = term.MustExec("help watch")
	require.True(t, strings.HasPrefix(out, "Set a watchpoint."))

	term.AssertExecError("help nosuch", "command not available")
}

func TestConfig(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())

	term.AssertExecError("config nonexistent-parameter 10", `"nonexistent-parameter" is not a configuration parameter`)
	term.AssertExecError("config", `wrong number of arguments to "config"`)

	term.MustExec("config follow-fork-child true")
	require.True(t, term.conf.FollowForkChild)

	require.True(t, term.conf.GetDetachOnFork())
	term.MustExec("config detach-on-fork false")
	require.NotNil(t, term.conf.DetachOnFork)
	require.False(t, term.conf.GetDetachOnFork())

	term.MustExec("config catch-syscalls 4 5")
	require.Equal(t, []int{4, 5}, term.conf.CatchSyscalls)
	require.True(t, term.sess.CatchSyscallEnabled())
	require.True(t, term.sess.CatchingSyscallNumber(5))
	require.False(t, term.sess.CatchingSyscallNumber(6))
	term.AssertExecError("config catch-syscalls x", `arguments to "catch-syscalls" must be non-negative numbers`)
	term.MustExec("config catch-syscalls")
	require.Empty(t, term.conf.CatchSyscalls)
	require.False(t, term.sess.CatchSyscallEnabled())

	out := term.MustExec("config -list")
	require.Contains(t, out, "follow-fork-child")
	require.Contains(t, out, "detach-on-fork")

	term.MustExec("config alias breakpoints blah")
	require.Len(t, term.conf.Aliases["breakpoints"], 1)
	require.Equal(t, "breakpoints", findCmdName(term.cmds, "blah"))
	require.Equal(t, "No hardware breakpoints or watchpoints.\n", term.MustExec("blah"))

	term.MustExec("config alias blah")
	require.Empty(t, term.conf.Aliases["breakpoints"])
	require.Equal(t, "", findCmdName(term.cmds, "blah"))
	term.AssertExecError("blah", "command not available")
}

func TestMergeKeepsBuiltinAliases(t *testing.T) {
	c := DebugCommands()
	c.Merge(map[string][]string{"continue": {"go"}})
	require.Equal(t, "continue", findCmdName(c, "go"))
	require.Equal(t, "continue", findCmdName(c, "c"))

	c.Merge(map[string][]string{"continue": {"run"}})
	require.Equal(t, "", findCmdName(c, "go"))
	require.Equal(t, "continue", findCmdName(c, "run"))
	require.Equal(t, "continue", findCmdName(c, "c"))
}

func TestSplitArgs(t *testing.T) {
	v, err := splitArgs(`-w "0x10" 4`)
	require.NoError(t, err)
	require.Equal(t, []string{"-w", "0x10", "4"}, v)

	v, err = splitArgs("  ")
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = splitArgs("a | b")
	require.Error(t, err)
}

func TestContinueWatchpointHit(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	out := term.MustExec("watch -w 0x2004")
	require.Equal(t, "Watchpoint 1 hw-write 0x2004 len 4 (pid 100) set\n", out)

	tgt.push(proc.LwpPtid(100, 101), proc.Spurious())
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))
	tgt.dataAddr, tgt.dataHit = 0x2004, true

	out = term.MustExec("continue")
	require.Contains(t, out, "[100.101] watchpoint 1 hit, data address 0x2004\n")
	require.Contains(t, out, "> 0x1000: ")
	require.Equal(t, []string{"-1 step=false sig=0", "-1 step=false sig=0"}, tgt.resumes)
	require.Equal(t, int64(0), term.running.Load())

	out = term.MustExec("breakpoints")
	require.Contains(t, out, "hit 1 times")
}

func TestContinueHWBreakpointHit(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	out := term.MustExec("hb 0x1000")
	require.Equal(t, "Hardware breakpoint 1 at 0x1000 (pid 100) set\n", out)

	tgt.hwHit = true
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))
	out = term.MustExec("c")
	require.Contains(t, out, "[100.101] hardware breakpoint 1 hit\n")

	tgt.hwHit = false
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))
	out = term.MustExec("c")
	require.Contains(t, out, "[100.101] stopped\n")
}

func TestContinueDeliversSignal(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	tgt.push(proc.LwpPtid(100, 102), proc.Stopped(sys.SIGUSR1))
	out := term.MustExec("continue")
	require.Contains(t, out, "[100.102] received signal SIGUSR1\n")
	require.Contains(t, out, "> 0x1004: ")
	require.Equal(t, proc.LwpPtid(100, 102), tgt.reg.Current())

	tgt.push(proc.LwpPtid(100, 102), proc.Stopped(sys.SIGTRAP))
	term.MustExec("continue")
	require.Equal(t, fmt.Sprintf("-1 step=false sig=%d", int(sys.SIGUSR1)), tgt.resumes[1])

	term.AssertExecError("continue", errNoResumed.Error())
	require.Equal(t, "-1 step=false sig=0", tgt.resumes[2])
}

func TestContinueSyscallStop(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.conf.CatchSyscalls = []int{4}

	tgt.push(proc.LwpPtid(100, 101), proc.SyscallEntry(4))
	out := term.MustExec("continue")
	require.Contains(t, out, "[100.101] system call 4 entry\n")

	tgt.push(proc.LwpPtid(100, 101), proc.SyscallReturn(4))
	out = term.MustExec("continue")
	require.Contains(t, out, "[100.101] system call 4 return\n")
}

func TestContinueForkDetach(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	tgt.push(proc.LwpPtid(100, 101), proc.Forked(proc.LwpPtid(200, 201)))
	tgt.push(proc.PidPtid(100), proc.Exited(0))

	out := term.MustExec("continue")
	require.Contains(t, out, "Detaching after forked from child process 200\n")
	require.Contains(t, out, "Process 100 has exited with status 0\n")
	require.NotContains(t, out, "> ")
	require.Equal(t, []string{"forked 100.101 -> 200.201 follow=false detach=true"}, tgt.followed)
	require.Empty(t, tgt.reg.NonExitedInferiors())

	term.AssertExecError("continue", proc.ErrNoProcess.Error())
}

func TestContinueForkKeepChild(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.MustExec("config detach-on-fork false")

	tgt.push(proc.LwpPtid(100, 101), proc.Vforked(proc.LwpPtid(200, 201)))
	tgt.push(proc.LwpPtid(100, 101), proc.VforkDone())
	tgt.push(proc.PidPtid(200), proc.Exited(3))
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))

	out := term.MustExec("continue")
	require.Contains(t, out, "New inferior 200 after vforked of process 100\n")
	require.Contains(t, out, "Process 200 has exited with status 3\n")
	require.Contains(t, out, "[100.101] stopped\n")
	require.Len(t, tgt.resumes, 4)

	out = term.MustExec("inferiors")
	require.Contains(t, out, "100")
	require.NotContains(t, out, "200")
}

func TestContinueFollowForkChild(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.MustExec("config follow-fork-child true")

	tgt.push(proc.LwpPtid(100, 101), proc.Forked(proc.LwpPtid(200, 201)))
	tgt.push(proc.LwpPtid(200, 201), proc.Stopped(sys.SIGTRAP))

	out := term.MustExec("continue")
	require.Contains(t, out, "Attaching after process 100 forked to child process 200\n")
	require.Equal(t, []string{"forked 100.101 -> 200.201 follow=true detach=true"}, tgt.followed)
	require.Equal(t, proc.LwpPtid(200, 201), tgt.reg.Current())
}

func TestContinueExecForgetsPoints(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.MustExec("hbreak 0x1000")

	tgt.push(proc.LwpPtid(100, 101), proc.Execd("/bin/sh"))
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))

	out := term.MustExec("continue")
	require.Contains(t, out, "process 100 is executing new program: /bin/sh\n")
	require.Equal(t, []string{"exec 100.101 /bin/sh"}, tgt.followed)
	require.Equal(t, "No hardware breakpoints or watchpoints.\n", term.MustExec("bp"))
	require.Contains(t, term.MustExec("inferiors"), "/bin/sh")
}

func TestStepInstruction(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))
	tgt.push(proc.LwpPtid(100, 101), proc.Stopped(sys.SIGTRAP))
	out := term.MustExec("stepi 2")
	require.Equal(t, 1, strings.Count(out, "[100.101] stopped"))
	require.Equal(t, []string{"100.101 step=true sig=0", "100.101 step=true sig=0"}, tgt.resumes)

	term.AssertExecError("si 0", "count must be a positive integer")
}

func TestContinueAsync(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.conf.Async = true
	term.sess.SetTarget(tgt)
	require.NotNil(t, tgt.asyncCh)

	tgt.quiet = 2
	tgt.push(proc.LwpPtid(100, 102), proc.Stopped(sys.SIGUSR1))
	out := term.MustExec("continue")
	require.Contains(t, out, "[100.102] received signal SIGUSR1")
	require.Equal(t, 3, tgt.polls)
	require.Equal(t, []string{"-1 step=false sig=0"}, tgt.resumes)

	term.MustExec("config async false")
	require.Nil(t, tgt.asyncCh)
	require.Nil(t, term.sess.async)
	term.MustExec("config async true")
	require.NotNil(t, term.sess.async)
}

func TestStepInstructionThreadExits(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	tgt.pushThreadExit(proc.LwpPtid(100, 101))
	out := term.MustExec("stepi 2")
	require.Equal(t, []string{"100.101 step=true sig=0"}, tgt.resumes)
	require.Contains(t, out, "[100.101] exited\n")
	require.Contains(t, out, "[100.102] stopped\n")
	require.Equal(t, proc.LwpPtid(100, 102), tgt.reg.Current())

	// The next step resumes the surviving thread.
	tgt.push(proc.LwpPtid(100, 102), proc.Stopped(sys.SIGTRAP))
	term.MustExec("stepi")
	require.Equal(t, "100.102 step=true sig=0", tgt.resumes[1])
}

func TestClearPoints(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	term.MustExec("hbreak 0x1000")
	out := term.MustExec("watch -rw 0x2000 8")
	require.Equal(t, "Watchpoint 2 hw-access 0x2000 len 8 (pid 100) set\n", out)
	bp, wp := tgt.state.InUse()
	require.Equal(t, 1, bp)
	require.Equal(t, 1, wp)

	out = term.MustExec("clear 1")
	require.Equal(t, "Hardware breakpoint 1 at 0x1000 (pid 100) cleared\n", out)
	bp, _ = tgt.state.InUse()
	require.Equal(t, 0, bp)
	term.AssertExecError("clear 1", "no breakpoint or watchpoint with id 1")
	term.AssertExecError("clear x", `invalid id "x"`)

	term.MustExec("watch -r 0x3000 2")
	out = term.MustExec("clearall")
	require.Equal(t, 2, strings.Count(out, "cleared"))
	bp, wp = tgt.state.InUse()
	require.Equal(t, 0, bp)
	require.Equal(t, 0, wp)
}

func TestPointErrors(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	_, err := term.Exec("hbreak 0x1002")
	require.Error(t, err)
	term.AssertExecError("hbreak", "not enough arguments")
	term.AssertExecError("hbreak zz", `invalid address "zz"`)
	term.AssertExecError("watch", "wrong number of arguments: watch [-r|-w|-rw] <address> [length]")
	term.AssertExecError("watch 0x2000 0", `invalid length "0"`)

	term.MustExec("hbreak 0x1000")
	term.MustExec("hbreak 0x1004")
	_, err = term.Exec("hbreak 0x1008")
	require.Error(t, err)
	require.Len(t, term.sess.points, 2)
}

func TestExamineMemory(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())

	out := term.MustExec("x -count 2 -size 4 0x1000")
	require.Contains(t, out, ":   0xd503201f   0xd503201f\n")

	out = term.MustExec("examinemem -fmt dec -len 2 0x1000")
	require.Contains(t, out, ":   31   32\n")

	term.AssertExecError("x -size 3 0x1000", "size must be 1, 2, 4 or 8")
	term.AssertExecError("x -count 300 -size 4 0x1000", "read memory range (count*size) must be less than or equal to 1000 bytes")
	term.AssertExecError("x -fmt foo 0x1000", `"foo" is not a valid format`)
	term.AssertExecError("x -count 2", "no address specified")
	_, err := term.Exec("x 0x9000")
	require.Error(t, err)
}

func TestFormatMemory(t *testing.T) {
	require.Equal(t, "0x00000000000010:   1   2\n", formatMemory(0x10, []byte{1, 0, 2, 0}, 'd', 2))
	require.Equal(t, "0x00000000000010:   0x0102\n", formatMemory(0x10, []byte{2, 1}, 'x', 2))

	mem := make([]byte, 17)
	out := formatMemory(0, mem, 'x', 1)
	require.Equal(t, 2, strings.Count(out, "\n"))
}

func TestDisassemble(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())
	term.MustExec("hbreak 0x1008")

	out := term.MustExec("disassemble -count 4")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "=>"))
	require.Contains(t, lines[0], "0x1000")
	require.Contains(t, lines[2], "0x1008*")
	require.Contains(t, lines[3], "c0035fd6")

	out = term.MustExec("disass 0x1004 -count 2")
	require.NotContains(t, out, "=>")
	require.Equal(t, 2, strings.Count(out, "\n"))

	term.sess.Arch = "amd64"
	term.AssertExecError("disassemble", "disassemble is not supported on amd64")
}

func TestDbregs(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.MustExec("watch 0x2004")

	out := term.MustExec("dbregs")
	require.Contains(t, out, "Process 100: 0/2 breakpoint and 1/2 watchpoint registers in use")
	require.Contains(t, out, "WP0")
	require.NotContains(t, out, "BP1")

	out = term.MustExec("dbregs -a")
	require.Contains(t, out, "BP1")

	tgt.reg.AddInferior(300)
	require.Equal(t, "No debug register state for process 300.\n", term.MustExec("dbregs 300"))
	term.AssertExecError("dbregs 999", proc.ErrNoProcess.Error())
}

func TestThreads(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)

	out := term.MustExec("threads")
	require.Contains(t, out, "100.101")
	require.Contains(t, out, "0x1000")
	require.Contains(t, out, "100.102")
	require.Contains(t, out, "0x1004")

	out = term.MustExec("tr 102")
	require.Equal(t, "Switched from 100.101 to 100.102\n", out)
	require.Equal(t, proc.LwpPtid(100, 102), tgt.reg.Current())

	term.AssertExecError("thread 7", "no thread with LWP id 7")
	term.AssertExecError("thread", "you must specify a thread")
}

func TestDetachAndKill(t *testing.T) {
	tgt := newFakeTarget()
	term := newFakeTerminal(t, tgt)
	term.MustExec("hbreak 0x1000")

	out := term.MustExec("detach")
	require.Equal(t, "Detached from process 100\n", out)
	require.Equal(t, []int{100}, tgt.detached)
	require.Empty(t, term.sess.points)
	term.AssertExecError("continue", proc.ErrNoProcess.Error())

	tgt = newFakeTarget()
	term = newFakeTerminal(t, tgt)
	out = term.MustExec("kill 100")
	require.Equal(t, "Process 100 killed\n", out)
	require.Equal(t, []int{100}, tgt.killed)
	term.AssertExecError("kill 100", proc.ErrNoProcess.Error())
}

func TestExitCommand(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())

	_, err := term.Exec("exit -k")
	require.IsType(t, ExitRequestError{}, err)
	require.True(t, term.killOnExit)

	_, err = term.Exec("q")
	require.IsType(t, ExitRequestError{}, err)
	require.False(t, term.killOnExit)

	term.AssertExecError("exit now", `unknown argument "now"`)
}

func TestHasAttached(t *testing.T) {
	tgt := newFakeTarget()
	require.False(t, hasAttached(tgt.reg))
	tgt.reg.AddInferior(200).Attached = true
	require.True(t, hasAttached(tgt.reg))
}

func TestPrintlnDumb(t *testing.T) {
	term := newFakeTerminal(t, newFakeTarget())
	term.Println("> ", "here")
	require.Equal(t, "> here\n", term.out.String())

	term.out.Reset()
	term.dumb = false
	term.Println("> ", "here")
	require.Equal(t, "\033[34m> \033[0mhere\n", term.out.String())
}

func TestNewTermUsesConfigAliases(t *testing.T) {
	conf := &config.Config{Aliases: map[string][]string{"breakpoints": {"lsb"}}}
	c := DebugCommands()
	c.Merge(conf.Aliases)
	require.Equal(t, "breakpoints", findCmdName(c, "lsb"))
}
