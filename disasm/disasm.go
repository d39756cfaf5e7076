// Package disasm is a thin adaptor over an x86-64 instruction decoder,
// producing objdump-style text for byte spans read out of a target.
package disasm

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/arch/x86/x86asm"
)

var ErrUndecodable = errors.Base("undecodable instruction")

// Instruction is one decoded instruction at an absolute address.
type Instruction struct {
	Address uint64
	Size    int
	Text    string
}

// Decode decodes instructions from code, assigning addresses relative to
// base. Decoding stops at the first undecodable byte: a truncated tail is
// normal when the span was cut mid-instruction, so the instructions
// decoded up to that point are returned without error. Only a span whose
// very first bytes do not decode is an error.
func Decode(code []byte, base uint64) ([]Instruction, errors.E) {
	instructions := []Instruction{}
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err == nil && inst.Op == 0 {
			// The decoder reports prefix bytes without an opcode as a
			// pseudo-instruction; that is not a decodable instruction.
			err = x86asm.ErrUnrecognized
		}
		if err != nil {
			if len(instructions) == 0 {
				errE := errors.WithMessage(err, "decode")
				errors.Details(errE)["addr"] = base + uint64(offset)
				return nil, errors.Join(errE, ErrUndecodable)
			}
			break
		}
		instructions = append(instructions, Instruction{
			Address: base + uint64(offset),
			Size:    inst.Len,
			Text:    x86asm.GNUSyntax(inst, base+uint64(offset), nil),
		})
		offset += inst.Len
	}
	return instructions, nil
}
