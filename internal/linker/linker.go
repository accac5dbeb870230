// Package linker maps shared libraries into the guest and resolves symbols
// with dlopen/dlsym semantics.
package linker

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/log"
)

var (
	// ErrOpenFailed is returned when a library cannot be found or mapped.
	ErrOpenFailed = errors.New("library open failed")
	// ErrSymbolNotFound is returned when a library has no such export.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrBadHandle is returned for a closed or unknown handle.
	ErrBadHandle = errors.New("bad library handle")
)

// Image is a library mapped into the guest address space.
type Image struct {
	Name    string // soname, e.g. "libc.so"
	Path    string
	Base    uint64
	End     uint64
	Symbols map[string]uint64 // exports only
	Needed  []string
}

// Contains reports whether addr falls inside the image.
func (img *Image) Contains(addr uint64) bool {
	return addr >= img.Base && addr < img.End
}

// SymbolAt returns the export covering addr, preferring the closest one
// below it.
func (img *Image) SymbolAt(addr uint64) (string, uint64, bool) {
	var (
		best     string
		bestAddr uint64
	)
	for name, a := range img.Symbols {
		if a <= addr && (best == "" || a > bestAddr || (a == bestAddr && name < best)) {
			best, bestAddr = name, a
		}
	}
	return best, bestAddr, best != ""
}

// Names returns the exported symbol names in address order.
func (img *Image) Names() []string {
	names := make([]string, 0, len(img.Symbols))
	for name := range img.Symbols {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := img.Symbols[names[i]], img.Symbols[names[j]]
		if ai != aj {
			return ai < aj
		}
		return names[i] < names[j]
	})
	return names
}

// Handle is an open reference to an image. The zero handle is never valid.
type Handle uint32

// Loader maps an ELF image into guest memory. *emulator.Emulator implements it.
type Loader interface {
	LoadELFData(path string, data []byte, base uint64, resolve emulator.ImportResolver) (*emulator.ELFInfo, error)
}

type loaded struct {
	img  *Image
	refs int
}

// Linker is the guest dynamic linker.
type Linker struct {
	mu        sync.Mutex
	loader    Loader
	fs        afero.Fs
	paths     []string
	images    map[string]*loaded
	order     []*Image
	handles   map[Handle]*loaded
	next      Handle
	nextBase  uint64
	observers []func(*Image)
	log       *log.Logger
}

// Option configures a Linker.
type Option func(*Linker)

// WithSearchPaths sets the directories searched for libraries opened by
// bare name.
func WithSearchPaths(paths ...string) Option {
	return func(l *Linker) { l.paths = append(l.paths, paths...) }
}

// WithFS sets the filesystem library files are read from.
func WithFS(fs afero.Fs) Option {
	return func(l *Linker) { l.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(lg *log.Logger) Option {
	return func(l *Linker) { l.log = lg }
}

// New creates a linker that maps ELF files through loader.
func New(loader Loader, opts ...Option) *Linker {
	l := &Linker{
		loader:   loader,
		fs:       afero.NewOsFs(),
		images:   make(map[string]*loaded),
		handles:  make(map[Handle]*loaded),
		nextBase: emulator.LoadELFBase,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = log.Or(l.log).WithComponent("linker")
	return l
}

// OnLoad registers fn to be called once for every image mapped after the
// call. fn runs without the linker lock held and may call back into it.
func (l *Linker) OnLoad(fn func(*Image)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Map registers an image that is already present in guest memory.
func (l *Linker) Map(img *Image) error {
	l.mu.Lock()
	if _, ok := l.images[img.Name]; ok {
		l.mu.Unlock()
		return fmt.Errorf("map %s: already mapped", img.Name)
	}
	l.images[img.Name] = &loaded{img: img}
	l.order = append(l.order, img)
	observers := append([]func(*Image){}, l.observers...)
	l.mu.Unlock()

	l.log.Debug("image mapped",
		zap.String("lib", img.Name),
		log.Ptr("base", img.Base),
		zap.Int("symbols", len(img.Symbols)),
	)
	for _, fn := range observers {
		fn(img)
	}
	return nil
}

// Open returns a new handle to the named library, mapping it first if
// needed. name is either a soname searched on the search paths or a path.
func (l *Linker) Open(name string) (Handle, error) {
	soname := path.Base(name)

	l.mu.Lock()
	if ld, ok := l.images[soname]; ok {
		h := l.newHandle(ld)
		l.mu.Unlock()
		return h, nil
	}
	img, err := l.load(name, soname)
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}
	ld := &loaded{img: img}
	l.images[soname] = ld
	l.order = append(l.order, img)
	h := l.newHandle(ld)
	observers := append([]func(*Image){}, l.observers...)
	l.mu.Unlock()

	l.log.Info("library loaded",
		zap.String("lib", img.Name),
		zap.String("path", img.Path),
		log.Ptr("base", img.Base),
	)
	for _, fn := range observers {
		fn(img)
	}
	return h, nil
}

func (l *Linker) newHandle(ld *loaded) Handle {
	l.next++
	ld.refs++
	l.handles[l.next] = ld
	return l.next
}

// load reads and maps a library. Caller holds l.mu.
func (l *Linker) load(name, soname string) (*Image, error) {
	candidates := []string{name}
	if name == soname {
		candidates = candidates[:0]
		for _, dir := range l.paths {
			candidates = append(candidates, path.Join(dir, soname))
		}
	}

	for _, p := range candidates {
		data, err := afero.ReadFile(l.fs, p)
		if err != nil {
			continue
		}
		info, err := l.loader.LoadELFData(p, data, l.nextBase, l.lookupLocked)
		if err != nil {
			return nil, err
		}
		l.nextBase = (info.EndAddr + 0x10000 + 0xffff) &^ 0xffff

		exports := make(map[string]uint64, len(info.Symbols))
		for sym, addr := range info.Symbols {
			if plt, ok := info.Imports[sym]; ok && plt == addr {
				continue
			}
			exports[sym] = addr
		}
		return &Image{
			Name:    soname,
			Path:    p,
			Base:    info.BaseAddr,
			End:     info.EndAddr,
			Symbols: exports,
			Needed:  info.Needed,
		}, nil
	}
	return nil, fmt.Errorf("not found in %v", l.paths)
}

// Sym returns the address of symbol in the library behind h.
func (l *Linker) Sym(h Handle, symbol string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ld, ok := l.handles[h]
	if !ok {
		return 0, ErrBadHandle
	}
	addr, ok := ld.img.Symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, ld.img.Name)
	}
	return addr, nil
}

// Close releases h. The image stays mapped.
func (l *Linker) Close(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ld, ok := l.handles[h]
	if !ok {
		return ErrBadHandle
	}
	delete(l.handles, h)
	ld.refs--
	return nil
}

// Lookup searches every mapped image in load order, like dlsym with
// RTLD_DEFAULT.
func (l *Linker) Lookup(symbol string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLocked(symbol)
}

func (l *Linker) lookupLocked(symbol string) (uint64, bool) {
	for _, img := range l.order {
		if addr, ok := img.Symbols[symbol]; ok {
			return addr, true
		}
	}
	return 0, false
}

// Image returns the mapped image with the given soname.
func (l *Linker) Image(name string) (*Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ld, ok := l.images[path.Base(name)]
	if !ok {
		return nil, false
	}
	return ld.img, true
}

// ImageAt returns the image containing addr.
func (l *Linker) ImageAt(addr uint64) (*Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, img := range l.order {
		if img.Contains(addr) {
			return img, true
		}
	}
	return nil, false
}

// Images returns the mapped images in load order.
func (l *Linker) Images() []*Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Image(nil), l.order...)
}

// Handles returns the number of open handles.
func (l *Linker) Handles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Refs returns the number of open handles to the named image.
func (l *Linker) Refs(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ld, ok := l.images[path.Base(name)]; ok {
		return ld.refs
	}
	return 0
}
