package guest

import (
	"fmt"
	"path"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/log"
)

// Config configures Boot.
type Config struct {
	// FS is the guest filesystem. Defaults to an empty in-memory one.
	FS afero.Fs
	// SearchPaths are searched for ELF libraries loaded by bare name.
	SearchPaths []string
	// Preload lists libraries mapped at boot. Defaults to libc.so.
	Preload []string
	Logger  *log.Logger
}

// System is a booted guest process.
type System struct {
	Emu    *emulator.Emulator
	Linker *linker.Linker
	Kernel *Kernel

	log *log.Logger

	mu      sync.Mutex
	handles map[string]linker.Handle
}

// Boot creates the emulator, linker and kernel and maps the preloaded
// libraries.
func Boot(cfg Config) (*System, error) {
	if cfg.FS == nil {
		cfg.FS = afero.NewMemMapFs()
	}
	if cfg.Preload == nil {
		cfg.Preload = []string{"libc.so"}
	}
	l := log.Or(cfg.Logger)

	emu, err := emulator.New()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	s := &System{
		Emu: emu,
		Linker: linker.New(emu,
			linker.WithFS(cfg.FS),
			linker.WithSearchPaths(cfg.SearchPaths...),
			linker.WithLogger(l),
		),
		Kernel:  NewKernel(cfg.FS, l),
		log:     l.WithComponent("guest"),
		handles: make(map[string]linker.Handle),
	}
	s.Kernel.Attach(emu)

	for _, name := range cfg.Preload {
		if _, err := s.Load(name); err != nil {
			emu.Close()
			return nil, fmt.Errorf("boot: preload %s: %w", name, err)
		}
	}
	return s, nil
}

// Load maps a library: synthetic libraries by name, anything else as an
// ELF file through the linker. Loading a mapped library returns its image.
// Loaded libraries stay mapped until Close.
func (s *System) Load(name string) (*linker.Image, error) {
	soname := path.Base(name)
	if img, ok := s.Linker.Image(soname); ok {
		return img, nil
	}

	if lib, ok := Libraries[soname]; ok {
		img, err := Build(s.Emu, lib)
		if err != nil {
			return nil, err
		}
		if err := s.Linker.Map(img); err != nil {
			return nil, err
		}
		s.log.Debug("synthetic library", zap.String("lib", soname), log.Ptr("base", img.Base))
		return img, nil
	}

	h, err := s.Linker.Open(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handles[soname] = h
	s.mu.Unlock()
	img, _ := s.Linker.Image(soname)
	return img, nil
}

// Sym returns the address of symbol in the mapped library lib.
func (s *System) Sym(lib, symbol string) (uint64, error) {
	img, ok := s.Linker.Image(lib)
	if !ok {
		return 0, fmt.Errorf("%w: %s", linker.ErrOpenFailed, lib)
	}
	addr, ok := img.Symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", linker.ErrSymbolNotFound, symbol, lib)
	}
	return addr, nil
}

// CString copies str into guest heap memory.
func (s *System) CString(str string) (uint64, error) {
	addr := s.Emu.Malloc(uint64(len(str) + 1))
	if err := s.Emu.MemWriteString(addr, str); err != nil {
		return 0, err
	}
	return addr, nil
}

// Call calls lib!symbol on thread tid and returns X0 as a signed result.
func (s *System) Call(tid int64, lib, symbol string, args ...uint64) (int64, error) {
	addr, err := s.Sym(lib, symbol)
	if err != nil {
		return 0, err
	}
	ret, err := s.Emu.CallOn(tid, addr, args...)
	if err != nil {
		return 0, fmt.Errorf("call %s!%s: %w", lib, symbol, err)
	}
	return int64(ret), nil
}

// Close releases the library handles and the emulator.
func (s *System) Close() error {
	s.mu.Lock()
	for name, h := range s.handles {
		s.Linker.Close(h)
		delete(s.handles, name)
	}
	s.mu.Unlock()
	return s.Emu.Close()
}
