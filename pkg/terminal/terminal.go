package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/go-delve/liner"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/fbsdnat/pkg/config"
	"github.com/go-delve/fbsdnat/pkg/logflags"
	"github.com/go-delve/fbsdnat/pkg/proc"
)

const historyFile string = ".fbsdnat_history"

// Term represents the terminal running fbsdnat.
type Term struct {
	sess   *Session
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// running holds the pid of the process being resumed, 0 while the
	// prompt is shown.
	running atomic.Int64

	// killOnExit is set by exitCommand when every process should be
	// killed instead of detached from.
	killOnExit bool
}

// New returns a new Term driving sess.
func New(sess *Session, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	w, color := getColorableWriter()
	sess.out = w

	return &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(fbsdnat) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   !color,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// sigintGuard forwards SIGINT to the running process so that it stops
// and control returns to the prompt.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		pid := int(t.running.Load())
		if pid == 0 {
			continue
		}
		fmt.Fprintf(t.stdout, "received SIGINT, stopping process %d\n", pid)
		if err := sys.Kill(pid, sys.SIGINT); err != nil {
			logflags.WriteWarning("could not interrupt process %d: %v", pid, err)
		}
	}
}

// resume runs the event loop of the session with SIGINT forwarding
// enabled.
func (t *Term) resume(ptid proc.Ptid, step bool) (proc.Ptid, proc.WaitStatus, error) {
	if cur, err := t.sess.current(); err == nil {
		t.running.Store(int64(cur.Pid))
	}
	defer t.running.Store(0)
	return t.sess.resume(ptid, step)
}

// Run begins running fbsdnat in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT)
	defer func() {
		signal.Stop(ch)
		close(ch)
	}()
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) []string {
		return t.cmds.complete(line)
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			printError(err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	kill := t.killOnExit
	if !kill && t.sess.tgt != nil && hasAttached(t.sess.tgt.Registry()) {
		answer, err := yesno(t.line, "Would you like to kill the attached processes? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	if err := t.sess.quit(kill); err != nil {
		return 1, err
	}
	return 0, nil
}

func hasAttached(reg proc.Registry) bool {
	for _, inf := range reg.NonExitedInferiors() {
		if inf.Attached {
			return true
		}
	}
	return false
}
