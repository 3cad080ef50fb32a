package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiBlue = 34
)

// getColorableWriter returns the writer used for terminal output and
// whether escape codes should be written to it.
func getColorableWriter() (io.Writer, bool) {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd()) {
		return os.Stdout, false
	}
	return colorable.NewColorableStdout(), true
}
