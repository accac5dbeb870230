package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/ui/colorize"
)

// insnTrace records the first limit guest instructions executed.
type insnTrace struct {
	mu    sync.Mutex
	limit int
	count int
	lines []string
}

// traceInstructions starts recording guest instructions.
func (p *process) traceInstructions(limit int) *insnTrace {
	t := &insnTrace{limit: limit}
	p.sys.Emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.count++
		if t.count > t.limit {
			return
		}
		code, err := e.MemRead(addr, 4)
		if err != nil {
			return
		}
		dis := disasm(code)
		t.lines = append(t.lines, formatInsn(addr, code, dis, p.symbolAt(addr)))
		if isBlockEnd(dis) {
			t.lines = append(t.lines, "")
		}
	})
	return t
}

// symbolAt names the export starting at addr, if any.
func (p *process) symbolAt(addr uint64) string {
	img, ok := p.sys.Linker.ImageAt(addr)
	if !ok {
		return ""
	}
	name, a, ok := img.SymbolAt(addr)
	if !ok || a != addr {
		return ""
	}
	return img.Name + "!" + name
}

func insnTags(dis string) []string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "SVC":
		return []string{"syscall"}
	case "RET":
		return []string{"ret"}
	case "BR", "BLR":
		return []string{"br"}
	case "BL":
		return []string{"call"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "RET", "BR", "B", "ERET":
		return true
	}
	return strings.HasPrefix(fields[0], "B.") ||
		strings.HasPrefix(fields[0], "CBZ") || strings.HasPrefix(fields[0], "CBNZ") ||
		strings.HasPrefix(fields[0], "TBZ") || strings.HasPrefix(fields[0], "TBNZ")
}

func formatInsn(addr uint64, code []byte, dis, fn string) string {
	var b strings.Builder
	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	b.WriteString(colorize.HexBytes(fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])))
	b.WriteString("  ")
	b.WriteString(colorize.Instruction(dis))

	const insnCol = 40
	for n := len(dis); n < insnCol; n++ {
		b.WriteByte(' ')
	}
	for _, t := range insnTags(dis) {
		b.WriteString(colorize.Tag(t))
		b.WriteByte(' ')
	}
	if fn != "" {
		b.WriteString(colorize.Symbol(fn))
	}
	return strings.TrimRight(b.String(), " ")
}

// Lines returns the recorded lines and the total instruction count.
func (t *insnTrace) Lines() ([]string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...), t.count
}
