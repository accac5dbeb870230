// Package emulator provides the ARM64 guest process using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for synthetic images
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	StubBase  = 0xF0000000 // Replacement stubs and trampolines
	StubSize  = 0x00100000 // 1MB for stubs
)

// InsnRET is the little-endian encoding of RET.
var InsnRET = []byte{0xc0, 0x03, 0x5f, 0xd6}

// Allocation errors.
var (
	ErrCodeExhausted = errors.New("code region exhausted")
	ErrStubExhausted = errors.New("stub region exhausted")
	ErrHeapExhausted = errors.New("heap exhausted")
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// InterruptHookFunc is called on exceptions raised by the guest (SVC).
type InterruptHookFunc func(emu *Emulator, intno uint32)

// Emulator wraps Unicorn for ARM64 emulation.
//
// The emulated CPU is single-core: Call serializes guest execution, and
// hooks run on the goroutine that called Call.
type Emulator struct {
	mu uc.Unicorn

	// Bump allocators
	allocMu sync.Mutex
	heapPtr uint64
	codePtr uint64
	stubPtr uint64

	// Hooks
	codeHooks   []CodeHookFunc
	intrHooks   []InterruptHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Guest calls
	callMu   sync.Mutex
	sentinel uint64
	thread   int64

	// Stop flag
	stopped bool
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		codePtr:   CodeBase,
		stubPtr:   StubBase,
		addrHooks: make(map[uint64]AddressHookFunc),
		thread:    1,
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	// Guest calls return here; reaching it ends Call.
	sentinel, err := emu.AllocStub(uint64(len(InsnRET)))
	if err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.MemWrite(sentinel, InsnRET); err != nil {
		mu.Close()
		return nil, fmt.Errorf("write sentinel: %w", err)
	}
	emu.sentinel = sentinel
	emu.HookAddress(sentinel, func(*Emulator) bool { return true })

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, e.stackTop()); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	zeros := make([]byte, 256)
	if err := e.mu.MemWrite(TLSBase, zeros); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	// Stack canary at TLS+0x28, deterministic for reproducible runs
	canary := make([]byte, 8)
	binary.LittleEndian.PutUint64(canary, 0xDEADBEEFDEADBEEF)
	if err := e.mu.MemWrite(TLSBase+0x28, canary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	return nil
}

func (e *Emulator) stackTop() uint64 {
	return StackBase + StackSize - 0x1000
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		for _, h := range e.intrHooks {
			h(e, intno)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add interrupt hook: %w", err)
	}
	return nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// AllocCode reserves size bytes of executable memory for a synthetic image.
// Allocations are page aligned so images never share a page.
func (e *Emulator) AllocCode(size uint64) (uint64, error) {
	const page = 0x1000
	size = (size + page - 1) &^ (page - 1)

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	if e.codePtr+size > CodeBase+CodeSize {
		return 0, ErrCodeExhausted
	}
	addr := e.codePtr
	e.codePtr += size
	return addr, nil
}

// AllocStub reserves size bytes in the stub region (16-byte aligned).
func (e *Emulator) AllocStub(size uint64) (uint64, error) {
	size = (size + 15) &^ uint64(15)

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	if e.stubPtr+size > StubBase+StubSize {
		return 0, ErrStubExhausted
	}
	addr := e.stubPtr
	e.stubPtr += size
	return addr, nil
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a null-terminated string from memory.
// Reads stop at the end of the mapped page so short strings near a region
// boundary still succeed.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}

	var out []byte
	for len(out) < maxLen {
		chunk := 0x1000 - (addr+uint64(len(out)))&0xfff
		if rest := uint64(maxLen - len(out)); chunk > rest {
			chunk = rest
		}
		data, err := e.mu.MemRead(addr+uint64(len(out)), chunk)
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		for i, b := range data {
			if b == 0 {
				return string(append(out, data[:i]...)), nil
			}
		}
		out = append(out, data...)
	}
	return string(out), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	reg, ok := xreg(n)
	if !ok {
		return 0
	}
	val, _ := e.mu.RegRead(reg)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	reg, ok := xreg(n)
	if !ok {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(reg, val)
}

// xreg maps Xn to the Unicorn register id. X29 and X30 are not contiguous
// with X0-X28 in Unicorn's numbering.
func xreg(n int) (int, bool) {
	switch {
	case n >= 0 && n <= 28:
		return uc.ARM64_REG_X0 + n, true
	case n == 29:
		return uc.ARM64_REG_X29, true
	case n == 30:
		return uc.ARM64_REG_X30, true
	}
	return 0, false
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Alloc allocates memory from the heap (bump allocator). A request that
// does not fit leaves the heap untouched.
func (e *Emulator) Alloc(size uint64) (uint64, error) {
	size = (size + 15) & ^uint64(15)

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	if size > HeapBase+HeapSize-e.heapPtr {
		return 0, fmt.Errorf("%w: %d bytes", ErrHeapExhausted, size)
	}
	addr := e.heapPtr
	e.heapPtr += size
	return addr, nil
}

// Malloc is Alloc for callers that cannot recover from an exhausted heap.
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	addr, err := e.Alloc(size)
	if err != nil {
		panic(err)
	}
	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookInterrupt adds a hook called for every guest exception (SVC).
func (e *Emulator) HookInterrupt(fn InterruptHookFunc) {
	e.intrHooks = append(e.intrHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Thread returns the id of the guest thread currently running on the CPU.
func (e *Emulator) Thread() int64 {
	return e.thread
}

// Call runs the guest function at addr with up to eight integer arguments
// and returns X0. It must not be called from inside a hook.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	return e.CallOn(1, addr, args...)
}

// CallOn is Call on behalf of guest thread tid.
func (e *Emulator) CallOn(tid int64, addr uint64, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("too many arguments: %d", len(args))
	}

	e.callMu.Lock()
	defer e.callMu.Unlock()

	e.thread = tid
	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.SetSP(e.stackTop()); err != nil {
		return 0, fmt.Errorf("set SP: %w", err)
	}
	if err := e.SetLR(e.sentinel); err != nil {
		return 0, fmt.Errorf("set LR: %w", err)
	}
	if err := e.Run(addr, 0); err != nil {
		return 0, fmt.Errorf("run 0x%x: %w", addr, err)
	}
	return e.X(0), nil
}

// Run starts emulation from addr
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM64 register constants (re-exported for convenience)
const (
	RegX0  = uc.ARM64_REG_X0
	RegX8  = uc.ARM64_REG_X8
	RegX16 = uc.ARM64_REG_X16
	RegX17 = uc.ARM64_REG_X17
	RegX29 = uc.ARM64_REG_X29 // Frame pointer
	RegX30 = uc.ARM64_REG_X30 // Link register (same as LR)
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
)
