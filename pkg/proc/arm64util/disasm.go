package arm64util

import (
	"golang.org/x/arch/arm64/arm64asm"
)

// InstructionKind classifies a decoded instruction.
type InstructionKind uint8

const (
	OtherInstruction InstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
	SyscallInstruction
)

// InstructionSize is the size of every A64 instruction.
const InstructionSize = 4

// BreakpointInstruction is BRK #0.
var BreakpointInstruction = []byte{0x00, 0x00, 0x20, 0xd4}

// ClassifyInstruction decodes the instruction at the start of mem and
// returns its kind and its GNU syntax.
func ClassifyInstruction(mem []byte) (InstructionKind, string, error) {
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return OtherInstruction, "?", err
	}
	kind := OtherInstruction
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		kind = CallInstruction
	case arm64asm.RET, arm64asm.ERET:
		kind = RetInstruction
	case arm64asm.B, arm64asm.BR:
		kind = JmpInstruction
	case arm64asm.BRK:
		kind = HardBreakInstruction
	case arm64asm.SVC:
		kind = SyscallInstruction
	}
	return kind, arm64asm.GNUSyntax(inst), nil
}
