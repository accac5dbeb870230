package hook

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/log"
)

// Classes looks up loaded classes. *art.Runtime implements it.
type Classes interface {
	LookupClass(name string) (*art.Class, bool)
}

// Symbols resolves inline targets. *linker.Resolver implements it.
type Symbols interface {
	Resolve(m linker.Module, symbol string) (uint64, error)
}

// Config wires an Engine to the runtime and the guest.
type Config struct {
	Classes  Classes
	Symbols  Symbols
	Emulator *emulator.Emulator
	Logger   *log.Logger
}

// Engine installs descriptors and records the outcome in a Registry.
type Engine struct {
	classes  Classes
	symbols  Symbols
	emu      *emulator.Emulator
	registry *Registry
	log      *log.Logger

	mu      sync.Mutex
	patched map[uint64]string // target address -> descriptor ID
}

// NewEngine creates an engine. Classes is needed for BindingTable
// descriptors and Symbols plus Emulator for Inline ones.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		classes:  cfg.Classes,
		symbols:  cfg.Symbols,
		emu:      cfg.Emulator,
		registry: NewRegistry(),
		log:      log.Or(cfg.Logger).WithComponent("hook"),
		patched:  make(map[uint64]string),
	}
}

// Registry returns the engine's registry.
func (g *Engine) Registry() *Registry { return g.registry }

// Install installs d. Installing an installed descriptor is a no-op that
// returns the same entry. A failed install leaves the entry Failed with a
// zero original; it may be installed again later.
func (g *Engine) Install(d *Descriptor) (*Entry, error) {
	e, err := g.registry.entry(d)
	if err != nil {
		return nil, err
	}

	if e.State() == Installed {
		return e, nil
	}

	// Resolve before locking: opening a library notifies load observers,
	// which may install hooks themselves.
	var target uint64
	if d.Strategy == Inline && g.symbols != nil {
		target, err = g.symbols.Resolve(d.Module, d.Symbol)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if e.State() == Installed {
		return e, nil
	}

	var orig Original
	switch {
	case err != nil:
		// resolution failed
	case d.Strategy == BindingTable:
		orig, err = g.patchBinding(d)
	case d.Strategy == Inline:
		orig, err = g.patchInline(e, target)
	default:
		err = fmt.Errorf("unknown strategy %v", d.Strategy)
	}
	if err != nil {
		err = fmt.Errorf("install %s (%s): %w", d.ID, d.Target(), err)
		e.set(Failed, Original{}, err)
		g.log.HookFailed(d.ID, d.Strategy.String(), err)
		return e, err
	}

	e.set(Installed, orig, nil)
	g.log.HookInstalled(d.ID, d.Strategy.String(), zap.String("target", d.Target()))
	return e, nil
}

// Retry re-installs failed inline descriptors that target library and
// returns the entries that are now installed.
func (g *Engine) Retry(library string) []*Entry {
	var out []*Entry
	for _, e := range g.registry.Entries() {
		d := e.Descriptor
		if d.Strategy != Inline || d.Module.Library != library || e.State() != Failed {
			continue
		}
		if _, err := g.Install(d); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (g *Engine) patchBinding(d *Descriptor) (Original, error) {
	if d.Replace == nil {
		return Original{}, ErrNoReplacement
	}
	if g.classes == nil {
		return Original{}, fmt.Errorf("%w: no runtime", ErrClassNotFound)
	}
	if _, err := art.ParseSignature(d.Signature); err != nil {
		return Original{}, err
	}
	c, ok := g.classes.LookupClass(d.Class)
	if !ok {
		return Original{}, fmt.Errorf("%w: %s", ErrClassNotFound, d.Class)
	}
	prev, err := c.PatchNative(d.Method, d.Signature, d.Replace)
	if err != nil {
		return Original{}, err
	}
	return Original{Native: prev}, nil
}

func (g *Engine) patchInline(e *Entry, target uint64) (Original, error) {
	d := e.Descriptor
	if d.Handler == nil {
		return Original{}, ErrNoReplacement
	}
	if g.symbols == nil || g.emu == nil {
		return Original{}, fmt.Errorf("inline hooks need a resolver and an emulator")
	}
	if owner, ok := g.patched[target]; ok {
		return Original{}, fmt.Errorf("%w: %s by %s", ErrAddressHooked, log.Hex(target), owner)
	}

	prologue, err := g.emu.MemRead(target, PatchSize)
	if err != nil {
		return Original{}, fmt.Errorf("read prologue at %s: %w", log.Hex(target), err)
	}
	if err := checkRelocatable(prologue); err != nil {
		return Original{}, err
	}

	tramp, err := g.emu.AllocStub(TrampolineSize)
	if err != nil {
		return Original{}, err
	}
	if err := g.emu.MemWrite(tramp, buildTrampoline(prologue, target)); err != nil {
		return Original{}, fmt.Errorf("write trampoline: %w", err)
	}

	stub, err := g.emu.AllocStub(4)
	if err != nil {
		return Original{}, err
	}
	if err := g.emu.MemWrite(stub, encode(insnRET)); err != nil {
		return Original{}, fmt.Errorf("write stub: %w", err)
	}
	g.emu.HookAddress(stub, g.dispatch(e, tramp))

	// Patch last: until here the target still runs unmodified
	if err := g.emu.MemWrite(target, absoluteBranch(stub)); err != nil {
		g.emu.RemoveAddressHook(stub)
		return Original{}, fmt.Errorf("write patch at %s: %w", log.Hex(target), err)
	}
	g.patched[target] = d.ID

	g.log.Debug("inline patch",
		zap.String("hook", d.ID),
		log.Ptr("target", target),
		log.Ptr("stub", stub),
		log.Ptr("trampoline", tramp),
	)
	return Original{Target: target, Trampoline: tramp}, nil
}

// dispatch returns the address hook that runs the handler of e.
func (g *Engine) dispatch(e *Entry, tramp uint64) emulator.AddressHookFunc {
	return func(emu *emulator.Emulator) bool {
		act := g.runHandler(e, &Call{Entry: e, emu: emu})
		if v, ok := act.Returns(); ok {
			emu.SetX(0, v)
			emu.SetPC(emu.LR())
			return false
		}
		emu.SetPC(tramp)
		return false
	}
}

// runHandler contains handler panics: the guest then runs the original.
func (g *Engine) runHandler(e *Entry, c *Call) (act Action) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("hook handler panic",
				zap.String("hook", e.Descriptor.ID),
				zap.Any("panic", r),
			)
			act = Continue()
		}
	}()
	return e.Descriptor.Handler(c)
}
