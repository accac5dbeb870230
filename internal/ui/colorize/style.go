// Package colorize colours terminal output of the prison CLI: ARM64
// disassembly through chroma, and ANSI truecolor for report fields.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette.
const (
	colAddress  = "#FFC800"
	colRegister = "#87CEEB"
	colNumber   = "#FF80C0"
	colComment  = "#FF8000"
	colString   = "#00FF00"
)

// Disasm is the chroma style for disassembly, registered as
// "prison-disasm".
var Disasm = styles.Register(chroma.MustNewStyle("prison-disasm", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        colComment,
	chroma.CommentPreproc: colComment,

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          colRegister,
	chroma.NameBuiltin:   colRegister,
	chroma.NameVariable:  colRegister,

	chroma.LiteralNumber:        colNumber,
	chroma.LiteralNumberHex:     colNumber,
	chroma.LiteralNumberBin:     colNumber,
	chroma.LiteralNumberInteger: colNumber,

	chroma.NameLabel:    colAddress,
	chroma.NameFunction: "#FFFFFF",
	chroma.Operator:     "#FFFFFF",
	chroma.Punctuation:  "#FFFFFF",
	chroma.String:       colString,
}))
