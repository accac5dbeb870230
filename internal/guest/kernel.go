// Package guest provides the guest process the interception core runs
// against: a small kernel serving file syscalls from an afero filesystem,
// and synthetic system libraries whose functions trap into it.
package guest

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/log"
)

// excpSWI is the Unicorn exception number raised by SVC.
const excpSWI = 2

// Linux errno values returned negated in X0.
const (
	ENOENT    = 2
	EBADF     = 9
	EACCES    = 13
	EFAULT    = 14
	EEXIST    = 17
	ENOTDIR   = 20
	EISDIR    = 21
	EINVAL    = 22
	ENOSYS    = 38
	ENOTEMPTY = 39
)

// AtFDCWD is the dirfd meaning "relative to the working directory".
const AtFDCWD = -100

// SyscallFunc implements a syscall. It reads its arguments from X0-X5 and
// returns the result, or a negated errno.
type SyscallFunc func(k *Kernel, emu *emulator.Emulator) int64

// Syscall is a kernel table entry.
type Syscall struct {
	NR   uint64
	Name string
	Fn   SyscallFunc
}

type fileDesc struct {
	path string
	f    afero.File
}

// Kernel dispatches SVC traps from the guest.
type Kernel struct {
	fs  afero.Fs
	log *log.Logger

	tableMu sync.RWMutex
	table   map[uint64]Syscall

	mu     sync.Mutex
	fds    map[int]*fileDesc
	nextFD int
	cwd    string

	zlib *zlibState

	// OnCall, if set, sees every dispatched syscall.
	OnCall func(name, detail string)
}

// NewKernel creates a kernel over fs with the file and zlib syscalls
// registered.
func NewKernel(fs afero.Fs, l *log.Logger) *Kernel {
	k := &Kernel{
		fs:     fs,
		log:    log.Or(l).WithComponent("kernel"),
		table:  make(map[uint64]Syscall),
		fds:    make(map[int]*fileDesc),
		nextFD: 3,
		cwd:    "/",
		zlib:   newZlibState(),
	}
	for _, sc := range fileSyscalls {
		k.Register(sc)
	}
	for _, sc := range zlibSyscalls {
		k.Register(sc)
	}
	return k
}

// FS returns the filesystem the kernel serves.
func (k *Kernel) FS() afero.Fs { return k.fs }

// Register adds or replaces a syscall.
func (k *Kernel) Register(sc Syscall) {
	k.tableMu.Lock()
	defer k.tableMu.Unlock()
	k.table[sc.NR] = sc
}

// Syscalls returns the table sorted by number.
func (k *Kernel) Syscalls() []Syscall {
	k.tableMu.RLock()
	out := make([]Syscall, 0, len(k.table))
	for _, sc := range k.table {
		out = append(out, sc)
	}
	k.tableMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NR < out[j].NR })
	return out
}

// Attach routes the emulator's SVC traps to k.
func (k *Kernel) Attach(emu *emulator.Emulator) {
	emu.HookInterrupt(k.trap)
}

func (k *Kernel) trap(emu *emulator.Emulator, intno uint32) {
	if intno != excpSWI {
		return
	}
	nr := emu.X(8)

	k.tableMu.RLock()
	sc, ok := k.table[nr]
	k.tableMu.RUnlock()

	res := int64(-ENOSYS)
	if ok {
		res = sc.Fn(k, emu)
	} else {
		k.log.Warn("unknown syscall", zap.Uint64("nr", nr), log.Ptr("pc", emu.PC()))
	}
	emu.SetX(0, uint64(res))
}

// trace reports a dispatched syscall.
func (k *Kernel) trace(name, detail string, res int64) {
	k.log.Debug("syscall", zap.String("fn", name), zap.String("arg", detail), zap.Int64("ret", res))
	if k.OnCall != nil {
		k.OnCall(name, detail+" = "+strconv.FormatInt(res, 10))
	}
}

// resolve turns (dirfd, p) into an absolute path.
func (k *Kernel) resolve(dirfd int64, p string) (string, int64) {
	if p == "" {
		return "", -ENOENT
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p), 0
	}
	if dirfd == AtFDCWD {
		return path.Join(k.cwd, p), 0
	}
	k.mu.Lock()
	fd, ok := k.fds[int(dirfd)]
	k.mu.Unlock()
	if !ok {
		return "", -EBADF
	}
	return path.Join(fd.path, p), 0
}

func (k *Kernel) install(p string, f afero.File) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.nextFD
	for k.fds[fd] != nil {
		fd++
	}
	k.fds[fd] = &fileDesc{path: p, f: f}
	k.nextFD = fd + 1
	return fd
}

func (k *Kernel) lookup(fd int) (*fileDesc, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.fds[fd]
	return d, ok
}

// Errno formats a syscall result for logs.
func Errno(res int64) string {
	switch -res {
	case ENOENT:
		return "ENOENT"
	case EBADF:
		return "EBADF"
	case EACCES:
		return "EACCES"
	case EFAULT:
		return "EFAULT"
	case EEXIST:
		return "EEXIST"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case EINVAL:
		return "EINVAL"
	case ENOSYS:
		return "ENOSYS"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	}
	if res >= 0 {
		return strconv.FormatInt(res, 10)
	}
	return fmt.Sprintf("errno(%d)", -res)
}
