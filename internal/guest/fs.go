package guest

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/zboralski/prison/internal/emulator"
)

// Syscall numbers. The *at calls use the Linux arm64 numbers; the legacy
// path calls arm64 lacks get private numbers.
const (
	SysMkdirat    = 34
	SysUnlinkat   = 35
	SysFaccessat  = 48
	SysOpenat     = 56
	SysClose      = 57
	SysRead       = 63
	SysWrite      = 64
	SysReadlinkat = 78
	SysFstatat    = 79

	SysOpen   = 0x400
	SysAccess = 0x401
	SysStat   = 0x402
	SysMkdir  = 0x403
	SysUnlink = 0x404
)

// Linux arm64 open(2) flags.
const (
	oWRONLY    = 01
	oRDWR      = 02
	oCREAT     = 0100
	oEXCL      = 0200
	oTRUNC     = 01000
	oAPPEND    = 02000
	oDIRECTORY = 040000
)

const atRemoveDir = 0x200

// access(2) modes.
const (
	xOK = 1
	wOK = 2
	rOK = 4
)

// StatSize is sizeof(struct stat) on arm64.
const StatSize = 128

// struct stat field offsets.
const (
	statMode    = 16
	statNlink   = 20
	statSize    = 48
	statBlksize = 56
	statBlocks  = 64
	statMtime   = 88
)

// File mode type bits.
const (
	sIFDIR = 0040000
	sIFREG = 0100000
)

var fileSyscalls = []Syscall{
	{SysOpenat, "openat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.openat("openat", dirfdArg(emu, 0), emu, 1, emu.X(2), emu.X(3))
	}},
	{SysOpen, "open", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.openat("open", AtFDCWD, emu, 0, emu.X(1), emu.X(2))
	}},
	{SysFaccessat, "faccessat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.faccessat("faccessat", dirfdArg(emu, 0), emu, 1, emu.X(2))
	}},
	{SysAccess, "access", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.faccessat("access", AtFDCWD, emu, 0, emu.X(1))
	}},
	{SysFstatat, "fstatat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.fstatat("fstatat", dirfdArg(emu, 0), emu, 1, emu.X(2))
	}},
	{SysStat, "stat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.fstatat("stat", AtFDCWD, emu, 0, emu.X(1))
	}},
	{SysMkdirat, "mkdirat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.mkdirat("mkdirat", dirfdArg(emu, 0), emu, 1, emu.X(2))
	}},
	{SysMkdir, "mkdir", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.mkdirat("mkdir", AtFDCWD, emu, 0, emu.X(1))
	}},
	{SysUnlinkat, "unlinkat", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.unlinkat("unlinkat", dirfdArg(emu, 0), emu, 1, emu.X(2))
	}},
	{SysUnlink, "unlink", func(k *Kernel, emu *emulator.Emulator) int64 {
		return k.unlinkat("unlink", AtFDCWD, emu, 0, 0)
	}},
	{SysClose, "close", sysClose},
	{SysRead, "read", sysRead},
	{SysWrite, "write", sysWrite},
	{SysReadlinkat, "readlinkat", sysReadlinkat},
}

// dirfdArg reads an int dirfd: only the low 32 bits of the register are
// defined.
func dirfdArg(emu *emulator.Emulator, n int) int64 {
	return int64(int32(emu.X(n)))
}

// pathArg reads the path argument in register n and resolves it.
func (k *Kernel) pathArg(emu *emulator.Emulator, dirfd int64, n int) (string, int64) {
	ptr := emu.X(n)
	if ptr == 0 {
		return "", -EFAULT
	}
	p, err := emu.MemReadString(ptr, 4096)
	if err != nil {
		return "", -EFAULT
	}
	return k.resolve(dirfd, p)
}

// errno maps a filesystem error to a negated errno.
func errno(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, os.ErrNotExist):
		return -ENOENT
	case errors.Is(err, os.ErrExist):
		return -EEXIST
	case errors.Is(err, os.ErrPermission):
		return -EACCES
	}
	return -EINVAL
}

func osFlags(flags uint64) int {
	var out int
	switch flags & 3 {
	case oWRONLY:
		out = os.O_WRONLY
	case oRDWR:
		out = os.O_RDWR
	default:
		out = os.O_RDONLY
	}
	if flags&oCREAT != 0 {
		out |= os.O_CREATE
	}
	if flags&oEXCL != 0 {
		out |= os.O_EXCL
	}
	if flags&oTRUNC != 0 {
		out |= os.O_TRUNC
	}
	if flags&oAPPEND != 0 {
		out |= os.O_APPEND
	}
	return out
}

func (k *Kernel) openat(name string, dirfd int64, emu *emulator.Emulator, n int, flags, mode uint64) int64 {
	p, res := k.pathArg(emu, dirfd, n)
	if res != 0 {
		k.trace(name, p, res)
		return res
	}

	res = func() int64 {
		fi, err := k.fs.Stat(p)
		switch {
		case err == nil && fi.IsDir() && flags&3 != 0:
			return -EISDIR
		case err == nil && !fi.IsDir() && flags&oDIRECTORY != 0:
			return -ENOTDIR
		case err != nil && flags&oDIRECTORY != 0:
			return errno(err)
		}
		f, err := k.fs.OpenFile(p, osFlags(flags), os.FileMode(mode&0777))
		if err != nil {
			return errno(err)
		}
		return int64(k.install(p, f))
	}()
	k.trace(name, p, res)
	return res
}

func (k *Kernel) faccessat(name string, dirfd int64, emu *emulator.Emulator, n int, mode uint64) int64 {
	p, res := k.pathArg(emu, dirfd, n)
	if res == 0 {
		res = k.access(p, mode)
	}
	k.trace(name, p, res)
	return res
}

func (k *Kernel) access(p string, mode uint64) int64 {
	fi, err := k.fs.Stat(p)
	if err != nil {
		return errno(err)
	}
	perm := fi.Mode().Perm()
	if mode&rOK != 0 && perm&0400 == 0 ||
		mode&wOK != 0 && perm&0200 == 0 ||
		mode&xOK != 0 && perm&0100 == 0 {
		return -EACCES
	}
	return 0
}

func (k *Kernel) fstatat(name string, dirfd int64, emu *emulator.Emulator, n int, buf uint64) int64 {
	p, res := k.pathArg(emu, dirfd, n)
	if res == 0 {
		res = k.stat(emu, p, buf)
	}
	k.trace(name, p, res)
	return res
}

func (k *Kernel) stat(emu *emulator.Emulator, p string, buf uint64) int64 {
	fi, err := k.fs.Stat(p)
	if err != nil {
		return errno(err)
	}
	if buf == 0 {
		return -EFAULT
	}
	st := make([]byte, StatSize)
	mode := uint32(fi.Mode().Perm())
	if fi.IsDir() {
		mode |= sIFDIR
	} else {
		mode |= sIFREG
	}
	le := binary.LittleEndian
	le.PutUint32(st[statMode:], mode)
	le.PutUint32(st[statNlink:], 1)
	le.PutUint64(st[statSize:], uint64(fi.Size()))
	le.PutUint32(st[statBlksize:], 4096)
	le.PutUint64(st[statBlocks:], uint64((fi.Size()+511)/512))
	le.PutUint64(st[statMtime:], uint64(fi.ModTime().Unix()))
	if err := emu.MemWrite(buf, st); err != nil {
		return -EFAULT
	}
	return 0
}

func (k *Kernel) mkdirat(name string, dirfd int64, emu *emulator.Emulator, n int, mode uint64) int64 {
	p, res := k.pathArg(emu, dirfd, n)
	if res == 0 {
		res = k.mkdir(p, mode)
	}
	k.trace(name, p, res)
	return res
}

func (k *Kernel) mkdir(p string, mode uint64) int64 {
	if _, err := k.fs.Stat(p); err == nil {
		return -EEXIST
	}
	parent, err := k.fs.Stat(parentDir(p))
	if err != nil {
		return errno(err)
	}
	if !parent.IsDir() {
		return -ENOTDIR
	}
	return errno(k.fs.Mkdir(p, os.FileMode(mode&0777)))
}

func (k *Kernel) unlinkat(name string, dirfd int64, emu *emulator.Emulator, n int, flags uint64) int64 {
	p, res := k.pathArg(emu, dirfd, n)
	if res == 0 {
		res = k.unlink(p, flags)
	}
	k.trace(name, p, res)
	return res
}

func (k *Kernel) unlink(p string, flags uint64) int64 {
	fi, err := k.fs.Stat(p)
	if err != nil {
		return errno(err)
	}
	if flags&atRemoveDir != 0 {
		if !fi.IsDir() {
			return -ENOTDIR
		}
		entries, err := afero.ReadDir(k.fs, p)
		if err != nil {
			return errno(err)
		}
		if len(entries) > 0 {
			return -ENOTEMPTY
		}
	} else if fi.IsDir() {
		return -EISDIR
	}
	return errno(k.fs.Remove(p))
}

func sysClose(k *Kernel, emu *emulator.Emulator) int64 {
	fd := int(int32(emu.X(0)))
	k.mu.Lock()
	d, ok := k.fds[fd]
	delete(k.fds, fd)
	if ok && fd < k.nextFD {
		k.nextFD = fd
	}
	k.mu.Unlock()

	res := int64(-EBADF)
	if ok {
		res = errno(d.f.Close())
	}
	k.trace("close", strconv.Itoa(fd), res)
	return res
}

func sysRead(k *Kernel, emu *emulator.Emulator) int64 {
	fd, buf, count := int(int32(emu.X(0))), emu.X(1), emu.X(2)
	d, ok := k.lookup(fd)
	if !ok {
		return -EBADF
	}
	if fi, err := d.f.Stat(); err == nil && fi.IsDir() {
		return -EISDIR
	}
	data := make([]byte, min(count, maxIO))
	n, err := d.f.Read(data)
	if err != nil && err != io.EOF {
		return errno(err)
	}
	if n > 0 {
		if err := emu.MemWrite(buf, data[:n]); err != nil {
			return -EFAULT
		}
	}
	return int64(n)
}

func sysWrite(k *Kernel, emu *emulator.Emulator) int64 {
	fd, buf, count := int(int32(emu.X(0))), emu.X(1), emu.X(2)
	d, ok := k.lookup(fd)
	if !ok {
		return -EBADF
	}
	if count == 0 {
		return 0
	}
	data, err := emu.MemRead(buf, min(count, maxIO))
	if err != nil {
		return -EFAULT
	}
	n, err := d.f.Write(data)
	if err != nil {
		return errno(err)
	}
	return int64(n)
}

const procSelfFD = "/proc/self/fd/"

// maxIO bounds a single read or write.
const maxIO = 1 << 20

func sysReadlinkat(k *Kernel, emu *emulator.Emulator) int64 {
	p, res := k.pathArg(emu, dirfdArg(emu, 0), 1)
	buf, size := emu.X(2), emu.X(3)
	if res == 0 {
		var target string
		target, res = k.readlink(p)
		if res == 0 {
			if uint64(len(target)) > size {
				target = target[:size]
			}
			res = int64(len(target))
			if len(target) > 0 && emu.MemWrite(buf, []byte(target)) != nil {
				res = -EFAULT
			}
		}
	}
	k.trace("readlinkat", p, res)
	return res
}

func (k *Kernel) readlink(p string) (string, int64) {
	if strings.HasPrefix(p, procSelfFD) {
		fd, err := strconv.Atoi(strings.TrimPrefix(p, procSelfFD))
		if err != nil {
			return "", -ENOENT
		}
		d, ok := k.lookup(fd)
		if !ok {
			return "", -ENOENT
		}
		return d.path, 0
	}
	lr, ok := k.fs.(afero.LinkReader)
	if !ok {
		return "", -EINVAL
	}
	target, err := lr.ReadlinkIfPossible(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", -ENOENT
		}
		return "", -EINVAL
	}
	return target, 0
}

func parentDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
