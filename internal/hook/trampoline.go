package hook

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// ErrUnrelocatable is returned when a target prologue cannot be moved into
// a trampoline.
var ErrUnrelocatable = errors.New("prologue not relocatable")

// Instruction encodings used by patches and trampolines.
const (
	insnLDRX17 = 0x58000051 // LDR X17, #8
	insnBRX17  = 0xD61F0220 // BR X17
	insnRET    = 0xD65F03C0
)

const (
	// PatchSize is the number of target bytes an inline patch overwrites.
	PatchSize = 16
	// TrampolineSize is displaced prologue plus the branch back.
	TrampolineSize = PatchSize + 16
)

// encode assembles little-endian instruction words.
func encode(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// absoluteBranch is LDR X17, #8; BR X17; .quad dest. X17 (IP1) is free at
// function entry under AAPCS64.
func absoluteBranch(dest uint64) []byte {
	b := encode(insnLDRX17, insnBRX17)
	return binary.LittleEndian.AppendUint64(b, dest)
}

// buildTrampoline returns the displaced prologue followed by a branch back
// to the rest of the target.
func buildTrampoline(prologue []byte, target uint64) []byte {
	out := append([]byte(nil), prologue[:PatchSize]...)
	return append(out, absoluteBranch(target+PatchSize)...)
}

// checkRelocatable verifies that the instructions about to be displaced
// behave the same when executed from the trampoline.
func checkRelocatable(prologue []byte) error {
	if len(prologue) < PatchSize {
		return fmt.Errorf("%w: short prologue", ErrUnrelocatable)
	}
	for off := 0; off < PatchSize; off += 4 {
		word := prologue[off : off+4]
		inst, err := arm64asm.Decode(word)
		if err != nil {
			return fmt.Errorf("%w: +%d: %#08x: %v", ErrUnrelocatable, off, binary.LittleEndian.Uint32(word), err)
		}
		switch inst.Op {
		case arm64asm.RET, arm64asm.BR, arm64asm.ERET:
			return fmt.Errorf("%w: +%d: %v ends the function inside the patch", ErrUnrelocatable, off, inst)
		}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if _, ok := arg.(arm64asm.PCRel); ok {
				return fmt.Errorf("%w: +%d: %v is pc-relative", ErrUnrelocatable, off, inst)
			}
		}
	}
	return nil
}
