package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-delve/fbsdnat/pkg/proc/arm64util"
)

type asmInstruction struct {
	PC         uint64
	Bytes      []byte
	Text       string
	AtPC       bool
	Breakpoint bool
}

// decodeInstructions decodes the A64 instructions in mem, which was read
// from addr in process pid.
func decodeInstructions(sess *Session, pid int, addr, pc uint64, mem []byte) []asmInstruction {
	var r []asmInstruction
	for off := 0; off+arm64util.InstructionSize <= len(mem); off += arm64util.InstructionSize {
		b := mem[off : off+arm64util.InstructionSize]
		_, text, err := arm64util.ClassifyInstruction(b)
		if err != nil {
			text = "?"
		}
		inst := asmInstruction{PC: addr + uint64(off), Bytes: b, Text: text}
		inst.AtPC = inst.PC == pc
		for _, p := range sess.points {
			if p.Pid == pid && p.Type == arm64util.HWExecute && p.Addr == inst.PC {
				inst.Breakpoint = true
			}
		}
		r = append(r, inst)
	}
	return r
}

func disasmPrint(dv []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atbp := ""
		if inst.Breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x%s\t%x\t%s\n", atpc, inst.PC, atbp, inst.Bytes, inst.Text)
	}
}
