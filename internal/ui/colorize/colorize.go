package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// firstLexer returns the first registered assembly lexer.
func firstLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether PRISON_NO_COLOR or NO_COLOR is set.
func IsDisabled() bool {
	return os.Getenv("PRISON_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one line of assembly.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := firstLexer()
	if lexer == nil {
		return insn
	}
	style := styles.Get(Disasm.Name)
	it, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style, it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// paint wraps s in a 24-bit foreground colour.
func paint(r, g, b uint8, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address.
func Address(addr uint64) string {
	return paint(255, 200, 0, fmt.Sprintf("%010X", addr))
}

// Symbol formats a symbol or hook name.
func Symbol(name string) string { return paint(255, 200, 0, name) }

// Tag formats a trace tag.
func Tag(tag string) string { return paint(255, 180, 200, "#"+tag) }

// Detail formats secondary text.
func Detail(s string) string { return paint(180, 180, 180, s) }

// HexBytes formats opcode bytes.
func HexBytes(s string) string { return paint(100, 100, 100, s) }

// Border formats table borders.
func Border(s string) string { return paint(80, 80, 80, s) }

// Header formats section headers.
func Header(s string) string { return paint(86, 156, 214, s) }

// Path formats a filesystem path.
func Path(s string) string { return paint(0, 255, 0, s) }

// OK formats a success state.
func OK(s string) string { return paint(120, 220, 120, s) }

// Error formats a failure.
func Error(s string) string { return paint(255, 128, 192, s) }
