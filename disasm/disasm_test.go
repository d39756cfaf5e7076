package disasm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTrampoline(t *testing.T) {
	t.Parallel()

	// mov rax, 0x1122334455667788; jmp rax; ret
	code := []byte{
		0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0xFF, 0xE0,
		0xC3,
	}
	instructions, err := Decode(code, 0x400000)
	require.NoError(t, err, "% -+#.1v", err)
	require.Len(t, instructions, 3)

	assert.Equal(t, uint64(0x400000), instructions[0].Address)
	assert.Equal(t, 10, instructions[0].Size)
	assert.True(t, strings.HasPrefix(instructions[0].Text, "mov"))

	assert.Equal(t, uint64(0x40000a), instructions[1].Address)
	assert.Equal(t, 2, instructions[1].Size)
	assert.True(t, strings.HasPrefix(instructions[1].Text, "jmp"))

	assert.Equal(t, uint64(0x40000c), instructions[2].Address)
	assert.Equal(t, 1, instructions[2].Size)
	assert.Equal(t, "retq", instructions[2].Text)
}

func TestDecodeScratchSequences(t *testing.T) {
	t.Parallel()

	// syscall; int3; nop x5
	instructions, err := Decode([]byte{0x0F, 0x05, 0xCC, 0x90, 0x90, 0x90, 0x90, 0x90}, 0)
	require.NoError(t, err, "% -+#.1v", err)
	require.Len(t, instructions, 7)
	assert.Equal(t, "syscall", instructions[0].Text)

	// nop; nop; call rbx; int3; nop x3
	instructions, err = Decode([]byte{0x90, 0x90, 0xFF, 0xD3, 0xCC, 0x90, 0x90, 0x90}, 0)
	require.NoError(t, err, "% -+#.1v", err)
	require.Len(t, instructions, 7)
	assert.True(t, strings.HasPrefix(instructions[2].Text, "call"))
}

func TestDecodeTruncatedTail(t *testing.T) {
	t.Parallel()

	// A valid ret followed by a truncated mov: the tail is dropped
	// without error.
	instructions, err := Decode([]byte{0xC3, 0x48, 0xB8, 0x01}, 0)
	require.NoError(t, err, "% -+#.1v", err)
	require.Len(t, instructions, 1)
	assert.Equal(t, "retq", instructions[0].Text)
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0x48}, 0)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	instructions, err := Decode(nil, 0)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Empty(t, instructions)
}
