// Package terminal implements functions for responding to user
// input and dispatching to the native backend.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/olekukonko/tablewriter"

	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the terminal.
type Commands struct {
	cmds []command
	// names maps every alias to its index in cmds.
	names *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until a breakpoint, watchpoint, signal or program termination.

	continue

A signal that stopped the program is delivered when it is continued, except for SIGTRAP, SIGSTOP and SIGINT.`},
		{aliases: []string{"stepi", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a single instruction.

	stepi [count]

Only the current thread is stepped, every other thread of its process stays suspended.`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detach from a process.

	detach [pid]

Hardware breakpoints and watchpoints of the process are removed first. Defaults to the process of the current thread.`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Kill a process.

	kill [pid]

Defaults to the process of the current thread.`},
		{aliases: []string{"hbreak", "hb"}, group: breakCmds, cmdFn: hbreak, helpMsg: `Sets a hardware breakpoint.

	hbreak <address>

The address must be 4 byte aligned. Fails if every breakpoint register is in use.`},
		{aliases: []string{"watch"}, group: breakCmds, cmdFn: watchpoint, helpMsg: `Set a watchpoint.

	watch [-r|-w|-rw] <address> [length]

Flags:

	-r	stops when the memory location is read
	-w	stops when the memory location is written
	-rw	stops when the memory location is read or written

The default is -w with a length of 4 bytes. Regions that cross an 8 byte boundary use more than one watchpoint register.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Print out info for active hardware breakpoints and watchpoints.

	breakpoints`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearCmd, helpMsg: `Deletes a hardware breakpoint or watchpoint.

	clear <id>`},
		{aliases: []string{"clearall"}, group: breakCmds, cmdFn: clearAll, helpMsg: `Deletes every hardware breakpoint and watchpoint.

	clearall`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of bytes (default 1) and must be less than or equal to 1000.
Address is the memory location of the target to examine.`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-count <n>] [address]

Decodes n instructions (default 10) starting at address, or at the PC of the current thread. Only AArch64 code is decoded.`},
		{aliases: []string{"dbregs"}, group: dataCmds, cmdFn: dbregs, helpMsg: `Print the hardware debug register mirror of a process.

	dbregs [-a] [pid]

With -a slots that were never used are printed too.`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every traced thread.

	threads`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <lwp>`},
		{aliases: []string{"inferiors"}, group: threadCmds, cmdFn: inferiors, helpMsg: `Print out the traced processes.

	inferiors`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit [-k]

Processes started by the debugger are killed, processes attached to are detached from. With -k every process is killed.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.rebuildNames()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) rebuildNames() {
	c.names = trie.New()
	for i, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, i)
		}
	}
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.rebuildNames()
}

// Find will look up the command function for the given command input.
// Unambiguous prefixes of a command name are accepted. If it cannot find
// the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	if n, ok := c.names.Find(cmdstr); ok {
		return c.cmds[n.Meta().(int)].cmdFn
	}

	found := -1
	for _, name := range c.names.PrefixSearch(cmdstr) {
		n, _ := c.names.Find(name)
		idx := n.Meta().(int)
		if found >= 0 && found != idx {
			return ambiguousCommand(cmdstr)
		}
		found = idx
	}
	if found < 0 {
		return noCmdAvailable
	}
	return c.cmds[found].cmdFn
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.rebuildNames()
}

// complete returns the command names starting with prefix.
func (c *Commands) complete(prefix string) []string {
	r := c.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func ambiguousCommand(cmdstr string) cmdfunc {
	return func(t *Term, args string) error {
		return fmt.Errorf("ambiguous command %q", cmdstr)
	}
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// pidArg returns the pid in args, or the pid of the current thread.
func pidArg(t *Term, args string) (int, error) {
	if args == "" {
		cur, err := t.sess.current()
		if err != nil {
			return 0, err
		}
		return cur.Pid, nil
	}
	pid, err := strconv.Atoi(args)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q", args)
	}
	if t.sess.tgt == nil || t.sess.tgt.Registry().FindInferior(pid) == nil {
		return 0, proc.ErrNoProcess
	}
	return pid, nil
}

func printStop(t *Term, wptid proc.Ptid, ws proc.WaitStatus) {
	fmt.Fprintln(t.stdout, t.sess.describeStop(wptid, ws))
	if !ws.ProcessGone() {
		t.Println("> ", t.sess.location(wptid))
	}
}

func cont(t *Term, args string) error {
	wptid, ws, err := t.resume(proc.MinusOnePtid, false)
	if err != nil {
		return err
	}
	printStop(t, wptid, ws)
	return nil
}

func stepInstruction(t *Term, args string) error {
	count := 1
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("count must be a positive integer")
		}
		count = n
	}
	for i := 0; i < count; i++ {
		cur, err := t.sess.current()
		if err != nil {
			return err
		}
		wptid, ws, err := t.resume(cur, true)
		if err != nil {
			return err
		}
		if i == count-1 || wptid != cur || ws.Kind() != proc.WaitKindStopped {
			printStop(t, wptid, ws)
			return nil
		}
	}
	return nil
}

func detach(t *Term, args string) error {
	pid, err := pidArg(t, args)
	if err != nil {
		return err
	}
	if err := t.sess.tgt.Detach(pid); err != nil {
		return err
	}
	t.sess.forgetPoints(pid)
	fmt.Fprintf(t.stdout, "Detached from process %d\n", pid)
	return nil
}

func kill(t *Term, args string) error {
	pid, err := pidArg(t, args)
	if err != nil {
		return err
	}
	if err := t.sess.tgt.Kill(pid); err != nil {
		return err
	}
	t.sess.forgetPoints(pid)
	fmt.Fprintf(t.stdout, "Process %d killed\n", pid)
	return nil
}

func hbreak(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	p, err := t.sess.addPoint(arm64util.HWExecute, addr, arm64util.InstructionSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", p)
	return nil
}

func watchpoint(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	typ := arm64util.HWWrite
	if len(v) > 0 {
		switch v[0] {
		case "-r":
			typ = arm64util.HWRead
			v = v[1:]
		case "-w":
			v = v[1:]
		case "-rw":
			typ = arm64util.HWAccess
			v = v[1:]
		}
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: watch [-r|-w|-rw] <address> [length]")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	length := 4
	if len(v) == 2 {
		length, err = strconv.Atoi(v[1])
		if err != nil || length <= 0 {
			return fmt.Errorf("invalid length %q", v[1])
		}
	}
	p, err := t.sess.addPoint(typ, addr, length)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", p)
	return nil
}

func breakpoints(t *Term, args string) error {
	points := t.sess.sortedPoints()
	if len(points) == 0 {
		fmt.Fprintln(t.stdout, "No hardware breakpoints or watchpoints.")
		return nil
	}
	for _, p := range points {
		fmt.Fprintf(t.stdout, "%s\n\thit %d times\n", p, p.Hits)
	}
	return nil
}

func clearCmd(t *Term, args string) error {
	id, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid id %q", args)
	}
	p, err := t.sess.clearPoint(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s cleared\n", p)
	return nil
}

func clearAll(t *Term, args string) error {
	for _, p := range t.sess.sortedPoints() {
		if _, err := t.sess.clearPoint(p.ID); err != nil {
			fmt.Fprintf(t.stdout, "Couldn't delete %s: %s\n", p, err)
			continue
		}
		fmt.Fprintf(t.stdout, "%s cleared\n", p)
	}
	return nil
}

func examineMemoryCmd(t *Term, args string) error {
	v := strings.FieldsFunc(args, func(c rune) bool {
		return c == ' '
	})

	var (
		address uint64
		err     error
		ok      bool
	)

	// Default value
	priFmt := byte('x')
	count := 1
	size := 1

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			size, err = strconv.Atoi(v[i])
			if err != nil || (size != 1 && size != 2 && size != 4 && size != 8) {
				return fmt.Errorf("size must be 1, 2, 4 or 8")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = parseAddress(v[i])
			if err != nil {
				return err
			}
		}
	}

	if count*size > 1000 {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to 1000 bytes")
	}

	if address == 0 {
		return fmt.Errorf("no address specified")
	}

	cur, err := t.sess.current()
	if err != nil {
		return err
	}
	mem := make([]byte, count*size)
	n, err := t.sess.tgt.ReadMemory(cur.Pid, address, mem)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, formatMemory(address, mem[:n], priFmt, size))
	return nil
}

// formatMemory prints little endian memory as rows of 16 bytes.
func formatMemory(addr uint64, mem []byte, format byte, size int) string {
	var b strings.Builder
	perLine := 16 / size
	for i := 0; i+size <= len(mem); i += size {
		if (i/size)%perLine == 0 {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%#016x:", addr+uint64(i))
		}
		var v uint64
		for k := size - 1; k >= 0; k-- {
			v = v<<8 | uint64(mem[i+k])
		}
		switch format {
		case 'o':
			fmt.Fprintf(&b, "   %#o", v)
		case 'd':
			fmt.Fprintf(&b, "   %d", v)
		case 'b':
			fmt.Fprintf(&b, "   %0*b", size*8, v)
		default:
			fmt.Fprintf(&b, "   %#0*x", size*2+2, v)
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func disassCommand(t *Term, args string) error {
	if t.sess.Arch != "arm64" {
		return fmt.Errorf("disassemble is not supported on %s", t.sess.Arch)
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	count := 10
	var addr uint64
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-count":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -count")
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 || count > 1000 {
				return errors.New("count must be a positive integer (<=1000)")
			}
		default:
			addr, err = parseAddress(v[i])
			if err != nil {
				return err
			}
		}
	}

	cur, err := t.sess.current()
	if err != nil {
		return err
	}
	pc, err := t.sess.tgt.PC(cur)
	if err != nil && addr == 0 {
		return err
	}
	if addr == 0 {
		addr = pc
	}
	mem := make([]byte, count*arm64util.InstructionSize)
	n, err := t.sess.tgt.ReadMemory(cur.Pid, addr, mem)
	if err != nil {
		return err
	}
	disasmPrint(decodeInstructions(t.sess, cur.Pid, addr, pc, mem[:n]), t.stdout)
	return nil
}

func dbregs(t *Term, args string) error {
	all := false
	if args == "-a" || strings.HasPrefix(args, "-a ") {
		all = true
		args = strings.TrimSpace(strings.TrimPrefix(args, "-a"))
	}
	pid, err := pidArg(t, args)
	if err != nil {
		return err
	}
	state := t.sess.tgt.DebugRegState(pid)
	if state == nil {
		fmt.Fprintf(t.stdout, "No debug register state for process %d.\n", pid)
		return nil
	}
	bp, wp := state.InUse()
	fmt.Fprintf(t.stdout, "Process %d: %d/%d breakpoint and %d/%d watchpoint registers in use\n", pid, bp, state.NumBp, wp, state.NumWp)
	arm64util.WriteState(t.stdout, state, all)
	return nil
}

func threads(t *Term, args string) error {
	if t.sess.tgt == nil {
		return proc.ErrNoProcess
	}
	if err := t.sess.tgt.UpdateThreadList(); err != nil {
		return err
	}
	reg := t.sess.tgt.Registry()
	cur := reg.Current()

	table := tablewriter.NewWriter(t.stdout)
	table.SetHeader([]string{"", "Thread", "PC"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	for _, th := range reg.NonExitedThreads(proc.MinusOnePtid) {
		mark := ""
		if th.Ptid == cur {
			mark = "*"
		}
		pc := "-"
		if th.Ptid.LwpP() {
			if v, err := t.sess.tgt.PC(th.Ptid); err == nil {
				pc = fmt.Sprintf("%#x", v)
			}
		}
		table.Append([]string{mark, th.Ptid.String(), pc})
	}
	table.Render()
	return nil
}

func thread(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("you must specify a thread")
	}
	lwp, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid LWP id %q", args)
	}
	cur, err := t.sess.current()
	if err != nil {
		return err
	}
	reg := t.sess.tgt.Registry()
	for _, th := range reg.NonExitedThreads(proc.MinusOnePtid) {
		if th.Ptid.Lwp == lwp {
			reg.SwitchTo(th.Ptid)
			fmt.Fprintf(t.stdout, "Switched from %v to %v\n", cur, th.Ptid)
			return nil
		}
	}
	return fmt.Errorf("no thread with LWP id %d", lwp)
}

func inferiors(t *Term, args string) error {
	if t.sess.tgt == nil {
		return proc.ErrNoProcess
	}
	reg := t.sess.tgt.Registry()
	cur := reg.Current()
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, inf := range reg.NonExitedInferiors() {
		mark := " "
		if inf.Pid == cur.Pid {
			mark = "*"
		}
		how := "started"
		if inf.Attached {
			how = "attached"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", mark, inf.Pid, how, inf.ExecPath)
	}
	return w.Flush()
}

// ExitRequestError is returned when the user
// exits Delve.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	switch args {
	case "":
		t.killOnExit = false
	case "-k":
		t.killOnExit = true
	default:
		return fmt.Errorf("unknown argument %q", args)
	}
	return ExitRequestError{}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
}
