package hooks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/trace"
)

// unixFileSystem redirects the java.io natives. The path form of the
// bridge serves canonicalize0 and the File form the rest.
func unixFileSystem(d Deps) []*hook.Descriptor {
	binding := func(method, sig string, replace func(orig art.MethodFunc) art.MethodFunc) *hook.Descriptor {
		return &hook.Descriptor{
			ID:        "unixfs." + method,
			Strategy:  hook.BindingTable,
			Class:     art.ClassUnixFileSystem,
			Method:    method,
			Signature: sig,
			Replace:   replace,
		}
	}

	canonicalize := func(orig art.MethodFunc) art.MethodFunc {
		return func(env *art.Env, args []art.Value) (art.Value, error) {
			if p, ok := args[0].(string); ok {
				to, err := d.Bridge.RedirectPath(env.Thread(), p)
				if err != nil {
					d.fallback(env.Thread(), "unixfs.canonicalize0", err)
				} else if to != p {
					d.emit(env.Thread(), trace.Redirect, "unixfs.canonicalize0", p+" -> "+to)
				}
				args = []art.Value{to}
			}
			return orig(env, args)
		}
	}

	// byFile redirects the File in args[0], then runs the original.
	byFile := func(method string) func(orig art.MethodFunc) art.MethodFunc {
		id := "unixfs." + method
		return func(orig art.MethodFunc) art.MethodFunc {
			return func(env *art.Env, args []art.Value) (art.Value, error) {
				if f, ok := args[0].(*art.File); ok && f != nil {
					to, err := d.Bridge.RedirectFile(env.Thread(), f)
					if err != nil {
						d.fallback(env.Thread(), id, err)
					} else if to.Path != f.Path {
						d.emit(env.Thread(), trace.Redirect, id, f.Path+" -> "+to.Path)
					}
					args = append([]art.Value{to}, args[1:]...)
				}
				return orig(env, args)
			}
		}
	}

	return []*hook.Descriptor{
		binding("canonicalize0", art.SigCanonicalize, canonicalize),
		binding("getBooleanAttributes0", art.SigBooleanAttributes, byFile("getBooleanAttributes0")),
		binding("checkAccess", art.SigCheckAccess, byFile("checkAccess")),
		binding("getLength", art.SigGetLength, byFile("getLength")),
		binding("list", art.SigList, byFile("list")),
	}
}

// libcPathCalls maps each hooked libc function to its path argument.
var libcPathCalls = []struct {
	Symbol string
	Arg    int
}{
	{"open", 0},
	{"openat", 1},
	{"access", 0},
	{"faccessat", 1},
	{"stat", 0},
	{"fstatat", 1},
	{"mkdir", 0},
	{"mkdirat", 1},
	{"unlink", 0},
	{"unlinkat", 1},
}

// pathMax is PATH_MAX on bionic, terminating NUL included.
const pathMax = 4096

var errPathTooLong = errors.New("redirected path exceeds PATH_MAX")

// pathScratch holds one PATH_MAX guest buffer per thread for rewritten
// paths. A thread is inside at most one hooked libc call at a time.
type pathScratch struct {
	mu   sync.Mutex
	bufs map[int64]uint64
}

// put writes path into the calling thread's buffer and returns its address.
func (s *pathScratch) put(c *hook.Call, path string) (uint64, error) {
	if len(path)+1 > pathMax {
		return 0, fmt.Errorf("%w: %d bytes", errPathTooLong, len(path))
	}
	s.mu.Lock()
	addr, ok := s.bufs[c.Thread()]
	if !ok {
		var err error
		if addr, err = c.Alloc(pathMax); err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.bufs[c.Thread()] = addr
	}
	s.mu.Unlock()
	return addr, c.WriteCString(addr, path)
}

// fileSystem rewrites the path argument of libc calls through the rule
// store before the original runs.
func fileSystem(d Deps) []*hook.Descriptor {
	out := make([]*hook.Descriptor, 0, len(libcPathCalls))
	for _, pc := range libcPathCalls {
		id := "filesystem." + pc.Symbol
		arg := pc.Arg
		scratch := &pathScratch{bufs: make(map[int64]uint64)}
		out = append(out, &hook.Descriptor{
			ID:       id,
			Strategy: hook.Inline,
			Module:   linker.Library("libc.so"),
			Symbol:   pc.Symbol,
			Handler: func(c *hook.Call) hook.Action {
				ptr := c.Arg(arg)
				if ptr == 0 || d.Rules == nil {
					return hook.Continue()
				}
				from, err := c.ReadCString(ptr)
				if err != nil {
					return hook.Continue()
				}
				to := d.Rules.Resolve(from)
				if to == from {
					return hook.Continue()
				}
				tid := art.ThreadID(c.Thread())
				addr, err := scratch.put(c, to)
				if err == nil {
					err = c.SetArg(arg, addr)
				}
				if err != nil {
					d.fallback(tid, id, err)
					return hook.Continue()
				}
				d.Logger.Redirect(id, from, to)
				d.emit(tid, trace.Redirect, id, from+" -> "+to)
				return hook.Continue()
			},
		})
	}
	return out
}
