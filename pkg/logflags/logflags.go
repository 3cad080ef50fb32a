package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var nat = false
var lwp = false
var dbregs = false
var ptrace = false
var fork = false
var anyLayer = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Any returns true if any logging layer is enabled.
func Any() bool {
	return anyLayer
}

// Nat returns true if the event dispatcher should log resume, wait and
// deferral decisions.
func Nat() bool {
	return nat
}

// NatLogger returns a logger for the event dispatcher.
func NatLogger() Logger {
	return makeFlaggableLogger(nat, Fields{"layer": "nat"})
}

// LWP returns true if thread creation and destruction should be logged.
func LWP() bool {
	return lwp
}

// LWPLogger returns a logger for thread list changes.
func LWPLogger() Logger {
	return makeFlaggableLogger(lwp, Fields{"layer": "nat", "kind": "lwp"})
}

// DebugRegs returns true if the hardware debug register mirror should be
// logged.
func DebugRegs() bool {
	return dbregs
}

// DebugRegsLogger returns a logger for hardware breakpoints and watchpoints.
func DebugRegsLogger() Logger {
	return makeFlaggableLogger(dbregs, Fields{"layer": "dbregs"})
}

// Ptrace returns true if every ptrace request should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for raw ptrace requests.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "ptrace"})
}

// Fork returns true if fork, vfork and exec handling should be logged.
func Fork() bool {
	return fork
}

// ForkLogger returns a logger for fork, vfork and exec handling.
func ForkLogger() Logger {
	return makeFlaggableLogger(fork, Fields{"layer": "nat", "kind": "fork"})
}

// WriteWarning writes a warning to the log, regardless of which layers are
// enabled.
func WriteWarning(format string, args ...interface{}) {
	makeLogger(logrus.WarnLevel, Fields{"layer": "nat"}).Warnf(format, args...)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "fbsdnat-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "nat"
	}
	anyLayer = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "nat":
			nat = true
		case "lwp":
			lwp = true
		case "dbregs":
			dbregs = true
		case "ptrace":
			ptrace = true
		case "fork":
			fork = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'fbsdnat help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *strings.Builder = new(strings.Builder)
	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))
	for k, v := range entry.Data {
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

var textFormatterInstance = &textFormatter{}
