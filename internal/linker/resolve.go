package linker

import (
	"fmt"
)

// Module names where a symbol lives.
type Module struct {
	// Library is the soname to open. Empty means the running process.
	Library string
}

// Self resolves against everything already mapped into the process.
var Self = Module{}

// Library returns a module that is opened by name before resolving.
func Library(name string) Module {
	return Module{Library: name}
}

func (m Module) String() string {
	if m.Library == "" {
		return "<self>"
	}
	return m.Library
}

// ResolveError reports a failed resolution. Err is ErrOpenFailed or
// ErrSymbolNotFound.
type ResolveError struct {
	Module Module
	Symbol string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s!%s: %v", e.Module, e.Symbol, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver turns (module, symbol) pairs into guest addresses.
type Resolver struct {
	linker *Linker
}

// NewResolver creates a resolver over l.
func NewResolver(l *Linker) *Resolver {
	return &Resolver{linker: l}
}

// Resolve returns the address of symbol in module. Library modules are
// opened and closed again around the lookup; the returned address stays
// valid because images are never unmapped.
func (r *Resolver) Resolve(m Module, symbol string) (uint64, error) {
	if m.Library == "" {
		addr, ok := r.linker.Lookup(symbol)
		if !ok {
			return 0, &ResolveError{Module: m, Symbol: symbol, Err: ErrSymbolNotFound}
		}
		return addr, nil
	}

	h, err := r.linker.Open(m.Library)
	if err != nil {
		return 0, &ResolveError{Module: m, Symbol: symbol, Err: err}
	}
	defer r.linker.Close(h)

	addr, err := r.linker.Sym(h, symbol)
	if err != nil {
		return 0, &ResolveError{Module: m, Symbol: symbol, Err: err}
	}
	return addr, nil
}
