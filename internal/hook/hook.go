// Package hook installs replacements over runtime binding tables and over
// guest machine code, keeping the original reachable as a fallback.
package hook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/linker"
)

var (
	// ErrClassNotFound is returned when a binding-table target class is not loaded.
	ErrClassNotFound = errors.New("class not found")
	// ErrAddressHooked is returned when a second descriptor targets an
	// already patched address.
	ErrAddressHooked = errors.New("address already hooked")
	// ErrDuplicateID is returned when two different descriptors share an ID.
	ErrDuplicateID = errors.New("duplicate hook id")
	// ErrNoReplacement is returned for a descriptor without a replacement.
	ErrNoReplacement = errors.New("descriptor has no replacement")
)

// Strategy selects how a descriptor is installed.
type Strategy int

const (
	// BindingTable swaps a native method binding in the runtime.
	BindingTable Strategy = iota
	// Inline patches the first instructions of guest code.
	Inline
)

func (s Strategy) String() string {
	switch s {
	case BindingTable:
		return "binding-table"
	case Inline:
		return "inline"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// State is the install state of an entry.
type State int

const (
	Uninstalled State = iota
	Installed
	Failed
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Descriptor names one interception point and its replacement.
type Descriptor struct {
	ID       string
	Strategy Strategy

	// BindingTable target and replacement. Replace receives the binding
	// being displaced and returns the function to bind instead.
	Class     string
	Method    string
	Signature string
	Replace   func(orig art.MethodFunc) art.MethodFunc

	// Inline target and handler.
	Module  linker.Module
	Symbol  string
	Handler Handler
}

// Target describes what d patches, for logs and reports.
func (d *Descriptor) Target() string {
	if d.Strategy == Inline {
		return d.Module.String() + "!" + d.Symbol
	}
	return d.Class + "." + d.Method + d.Signature
}

// Original is how to reach the unpatched behavior of an installed hook.
type Original struct {
	// Native is the displaced binding (BindingTable).
	Native art.MethodFunc
	// Target is the patched address and Trampoline runs its original
	// prologue then continues into the rest of it (Inline).
	Target     uint64
	Trampoline uint64
}

// IsZero reports whether no original was captured.
func (o Original) IsZero() bool {
	return o.Native == nil && o.Target == 0 && o.Trampoline == 0
}

// Entry is the registry record of one descriptor.
type Entry struct {
	Descriptor *Descriptor

	mu       sync.RWMutex
	state    State
	original Original
	err      error
}

// State returns the install state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Original returns the captured original. It is zero unless installed.
func (e *Entry) Original() Original {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.original
}

// Err returns the error of the last failed install.
func (e *Entry) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Entry) set(state State, orig Original, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state, e.original, e.err = state, orig, err
}

// Registry maps descriptor IDs to entries, in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// entry returns the entry for d, creating it on first use.
func (r *Registry) entry(d *Descriptor) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[d.ID]; ok {
		if e.Descriptor != d {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		return e, nil
	}
	e := &Entry{Descriptor: d}
	r.entries[d.ID] = e
	r.order = append(r.order, e)
	return e, nil
}

// Get returns the entry with the given ID.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Entries returns all entries in registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Entry(nil), r.order...)
}
