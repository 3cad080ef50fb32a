package cmds

import (
	"io"

	"github.com/creack/pty"
)

// newPty allocates a pseudo terminal for the debugged program and copies
// everything it prints to out.
func newPty(out io.Writer) (*ptyPair, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	p := &ptyPair{ptmx: ptmx, tty: tty, done: make(chan struct{})}
	go copyPty(p, out)
	return p, nil
}
