package cmds

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/fbsdnat/pkg/config"
	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
	"github.com/go-delve/fbsdnat/pkg/proc/native"
	"github.com/go-delve/fbsdnat/pkg/terminal"
	"github.com/go-delve/fbsdnat/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// metricsListen is the address the metrics of the native backend are
	// served on.
	metricsListen string

	showDebugRegs bool
	legacySetStep bool
	disableASLR   bool
	asyncMode     bool
	catchSyscalls []int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const fbsdnatCommandLongDesc = `fbsdnat is a low level debugger for FreeBSD processes.

fbsdnat traces processes with ptrace(2), follows them across fork, vfork and
exec, and sets hardware breakpoints and watchpoints through the AArch64 debug
registers.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`fbsdnat exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "fbsdnat",
		Short: "fbsdnat is a native debugger for FreeBSD.",
		Long:  fbsdnatCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'fbsdnat help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'fbsdnat help log').")
	addTargetFlags(rootCommand.PersistentFlags())

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

When exiting the debug session you will have the option to let the process
continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Execute a binary, and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

The binary is started stopped at its first instruction. It is killed when the
debug session ends.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	execCommand.Flags().StringVar(&tty, "tty", "", `TTY to use for the target program, "new" allocates a pseudo terminal`)
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", false, "Disable address space layout randomization.")
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fbsdnat Debugger\n%s\n", version.FbsdnatVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	nat		Log wait status decisions of the event dispatcher
	lwp		Log LWP creation, exit and suspension
	dbregs		Log debug register updates
	ptrace		Log every ptrace request
	fork		Log fork, vfork and exec handling

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addTargetFlags adds the flags configuring the native backend.
func addTargetFlags(fs *pflag.FlagSet) {
	fs.StringVar(&metricsListen, "metrics-listen", "", "Serves the metrics of the native backend at /metrics on this address.")
	fs.BoolVar(&showDebugRegs, "show-debug-regs", false, "Print the debug register mirror every time it changes.")
	fs.BoolVar(&legacySetStep, "legacy-setstep", false, "Single step with PT_SETSTEP followed by a process wide continue.")
	fs.BoolVar(&asyncMode, "async", false, "Wait for events with SIGCHLD notifications instead of a blocking wait4.")
	fs.IntSliceVar(&catchSyscalls, "catch-syscall", nil, "Stop at entry and return of the system calls with these numbers.")
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil, conf))
}

// applyFlags overrides conf with the command line flags that were set.
func applyFlags(conf *config.Config) {
	if showDebugRegs {
		conf.ShowDebugRegs = true
	}
	if legacySetStep {
		conf.LegacySetStep = true
	}
	if disableASLR {
		conf.DisableASLR = true
	}
	if asyncMode {
		conf.Async = true
	}
	if len(catchSyscalls) > 0 {
		conf.CatchSyscalls = catchSyscalls
	}
}

// targetOptions returns the options of the native backend for conf.
func targetOptions(conf *config.Config) native.Options {
	opts := native.Options{
		LegacySetStep: conf.LegacySetStep,
		ShowDebugRegs: conf.ShowDebugRegs,
	}
	native.DetectKernelOptions(&opts)
	return opts
}

// serveMetrics serves the metrics registered on reg until the returned
// server is closed.
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logflags.WriteWarning("metrics server: %v", err)
		}
	}()
	return srv
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	applyFlags(conf)

	tracer, err := native.HostTracer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts := targetOptions(conf)
	if metricsListen != "" {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		srv := serveMetrics(metricsListen, reg)
		defer srv.Close()
	}

	sess := terminal.NewSession(conf, os.Stdout)
	tgt := native.NewTarget(tracer, proc.NewThreadList(), sess, opts)
	defer tgt.Close()
	sess.SetTarget(tgt)

	if attachPid != 0 {
		err = tgt.Attach(attachPid)
	} else {
		lo := native.LaunchOptions{
			Dir:         workingDir,
			Tty:         tty,
			DisableASLR: conf.DisableASLR,
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		}
		if tty == "new" {
			p, perr := newPty(os.Stdout)
			if perr != nil {
				fmt.Fprintf(os.Stderr, "could not allocate a terminal: %v\n", perr)
				return 1
			}
			defer p.Close()
			lo.Tty = p.Name()
		}
		_, err = tgt.CreateInferior(processArgs, lo)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term := terminal.New(sess, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// ptyPair is a pseudo terminal whose output is copied to a writer.
type ptyPair struct {
	ptmx, tty *os.File
	done      chan struct{}
}

// Name returns the path of the terminal side.
func (p *ptyPair) Name() string {
	return p.tty.Name()
}

// Close closes both sides and waits for the copy to finish.
func (p *ptyPair) Close() error {
	err1 := p.tty.Close()
	err2 := p.ptmx.Close()
	<-p.done
	if err1 != nil {
		return err1
	}
	return err2
}

func copyPty(p *ptyPair, out io.Writer) {
	defer close(p.done)
	io.Copy(out, p.ptmx)
}
