package hook

import (
	"github.com/zboralski/prison/internal/emulator"
)

// Handler runs in place of an inline-hooked function. It inspects and may
// rewrite the arguments, then either continues into the original or
// returns a value to the caller directly.
type Handler func(c *Call) Action

// Action is what a Handler does once it returns.
type Action struct {
	ret   bool
	value uint64
}

// Continue runs the original function with the current arguments.
func Continue() Action { return Action{} }

// Return skips the original and returns v in X0.
func Return(v uint64) Action { return Action{ret: true, value: v} }

// Returns reports whether the action skips the original, and its value.
func (a Action) Returns() (uint64, bool) { return a.value, a.ret }

// Call is the guest CPU state at entry to an inline-hooked function.
type Call struct {
	Entry *Entry
	emu   *emulator.Emulator
}

// Thread returns the guest thread making the call.
func (c *Call) Thread() int64 { return c.emu.Thread() }

// Arg returns integer argument n (X0-X7).
func (c *Call) Arg(n int) uint64 { return c.emu.X(n) }

// SetArg replaces integer argument n before the original runs.
func (c *Call) SetArg(n int, v uint64) error { return c.emu.SetX(n, v) }

// ReadCString reads a NUL-terminated string from guest memory.
func (c *Call) ReadCString(addr uint64) (string, error) {
	return c.emu.MemReadString(addr, 4096)
}

// Alloc reserves n bytes of guest heap. Heap memory is never returned, so
// handlers on hot paths allocate once and reuse.
func (c *Call) Alloc(n uint64) (uint64, error) {
	return c.emu.Alloc(n)
}

// WriteCString writes s NUL-terminated at addr.
func (c *Call) WriteCString(addr uint64, s string) error {
	return c.emu.MemWriteString(addr, s)
}

// Read reads n bytes of guest memory.
func (c *Call) Read(addr, n uint64) ([]byte, error) {
	return c.emu.MemRead(addr, n)
}

// ReadU32 reads a little-endian uint32 from guest memory.
func (c *Call) ReadU32(addr uint64) (uint32, error) {
	return c.emu.MemReadU32(addr)
}

// ReadU64 reads a little-endian uint64 from guest memory.
func (c *Call) ReadU64(addr uint64) (uint64, error) {
	return c.emu.MemReadU64(addr)
}
