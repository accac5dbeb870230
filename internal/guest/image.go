package guest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/linker"
)

// Export is a synthetic library function that traps into syscall NR.
type Export struct {
	Name string
	NR   uint64
}

// Library describes a synthetic system library.
type Library struct {
	Name    string
	Path    string
	Exports []Export
}

// thunkSize is the space reserved per exported function.
const thunkSize = 32

// thunk assembles a function that makes syscall nr and returns its result:
//
//	stp x29, x30, [sp, #-16]!
//	mov x29, sp
//	movz x8, #nr
//	svc #0
//	ldp x29, x30, [sp], #16
//	ret
//
// The first four instructions are position independent, so an inline
// patch can displace them.
func thunk(nr uint64) []byte {
	words := []uint32{
		0xA9BF7BFD,
		0x910003FD,
		0xD2800008 | uint32(nr&0xFFFF)<<5,
		0xD4000001,
		0xA8C17BFD,
		0xD65F03C0,
	}
	out := make([]byte, thunkSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// Build writes lib into emulator code memory and returns its image. The
// image is not registered with a linker.
func Build(emu *emulator.Emulator, lib *Library) (*linker.Image, error) {
	if len(lib.Exports) == 0 {
		return nil, fmt.Errorf("build %s: no exports", lib.Name)
	}
	size := uint64(len(lib.Exports)) * thunkSize
	base, err := emu.AllocCode(size)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", lib.Name, err)
	}

	syms := make(map[string]uint64, len(lib.Exports))
	for i, exp := range lib.Exports {
		addr := base + uint64(i)*thunkSize
		if err := emu.MemWrite(addr, thunk(exp.NR)); err != nil {
			return nil, fmt.Errorf("build %s: write %s: %w", lib.Name, exp.Name, err)
		}
		syms[exp.Name] = addr
	}
	return &linker.Image{
		Name:    lib.Name,
		Path:    lib.Path,
		Base:    base,
		End:     base + size,
		Symbols: syms,
	}, nil
}

// Libraries are the synthetic libraries a System can map.
var Libraries = map[string]*Library{
	"libc.so": {
		Name: "libc.so",
		Path: "/system/lib64/libc.so",
		Exports: []Export{
			{"open", SysOpen},
			{"openat", SysOpenat},
			{"access", SysAccess},
			{"faccessat", SysFaccessat},
			{"stat", SysStat},
			{"fstatat", SysFstatat},
			{"mkdir", SysMkdir},
			{"mkdirat", SysMkdirat},
			{"unlink", SysUnlink},
			{"unlinkat", SysUnlinkat},
			{"close", SysClose},
			{"read", SysRead},
			{"write", SysWrite},
			{"readlinkat", SysReadlinkat},
		},
	},
	"libz.so": {
		Name: "libz.so",
		Path: "/system/lib64/libz.so",
		Exports: []Export{
			{"deflateInit_", SysDeflateInit},
			{"deflate", SysDeflate},
			{"deflateEnd", SysDeflateEnd},
		},
	},
}

// LibraryNames returns the synthetic library names, sorted.
func LibraryNames() []string {
	names := make([]string, 0, len(Libraries))
	for name := range Libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
