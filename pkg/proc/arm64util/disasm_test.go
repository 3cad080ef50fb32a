package arm64util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyInstruction(t *testing.T) {
	for _, tc := range []struct {
		mem  []byte
		kind InstructionKind
		op   string
	}{
		{BreakpointInstruction, HardBreakInstruction, "brk"},
		{[]byte{0xc0, 0x03, 0x5f, 0xd6}, RetInstruction, "ret"},
		{[]byte{0x00, 0x00, 0x00, 0x94}, CallInstruction, "bl"},
		{[]byte{0x00, 0x00, 0x00, 0x14}, JmpInstruction, "b"},
		{[]byte{0x01, 0x00, 0x00, 0xd4}, SyscallInstruction, "svc"},
		{[]byte{0x1f, 0x20, 0x03, 0xd5}, OtherInstruction, "nop"},
	} {
		kind, text, err := ClassifyInstruction(tc.mem)
		require.NoError(t, err)
		require.Equal(t, tc.kind, kind, "%x", tc.mem)
		require.Equal(t, tc.op, strings.ToLower(strings.Fields(text)[0]), "%x", tc.mem)
	}

	_, _, err := ClassifyInstruction([]byte{0x00, 0x00})
	require.Error(t, err)
}
