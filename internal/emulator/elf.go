package emulator

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Needed   []string          // DT_NEEDED libraries
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// ImportResolver binds an undefined symbol of a library being loaded to an
// address exported by an already loaded image.
type ImportResolver func(name string) (uint64, bool)

// LoadELFBase is the default base address for position-independent libraries.
// Android shared libraries typically load around 0x7xxxxxxxxx but we use a
// lower address for simpler emulation.
const LoadELFBase = 0x40000000 // 1GB

// LoadELFData maps the ELF image in fileData. If loadBase is 0 it is
// chosen from the file type: executables use their own vaddr and shared
// libraries (vaddr 0) are relocated to LoadELFBase.
//
// Undefined symbols are bound through resolve when it is non-nil; imports it
// cannot bind keep their PLT address.
func (e *Emulator) LoadELFData(path string, fileData []byte, loadBase uint64, resolve ImportResolver) (*ELFInfo, error) {
	f, err := elf.NewFile(bytes.NewReader(fileData))
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	// Verify ARM64
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}

	// Find file base address (lowest PT_LOAD vaddr)
	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		segEnd := prog.Vaddr + prog.Memsz
		if segEnd > fileEnd {
			fileEnd = segEnd
		}
	}

	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	// PIE/shared libraries have fileBase=0 or very low, need to relocate
	var relocOffset uint64
	if loadBase != 0 {
		relocOffset = loadBase - fileBase
	} else if fileBase < 0x10000 {
		relocOffset = LoadELFBase - fileBase
	}

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
	}

	if needed, err := f.ImportedLibraries(); err == nil {
		info.Needed = needed
	}

	// Strip version suffixes (@@VERSION or @VERSION) for consistent lookup
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				addr := sym.Value + relocOffset
				info.Symbols[sym.Name] = addr
				if base := stripVersion(sym.Name); base != sym.Name {
					info.Symbols[base] = addr
				}
			}
		}
	}

	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				info.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		loadVAddr := prog.Vaddr + relocOffset

		seg := Segment{
			VAddr:  loadVAddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}

		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}

		info.Segments = append(info.Segments, seg)

		// Map memory aligned to page boundary (ignore error if already mapped)
		pageSize := uint64(0x1000)
		alignedAddr := loadVAddr & ^(pageSize - 1)
		alignedEnd := (loadVAddr + prog.Memsz + pageSize - 1) & ^(pageSize - 1)
		_ = e.MapRegion(alignedAddr, alignedEnd-alignedAddr)

		if len(seg.Data) > 0 {
			if err := e.MemWrite(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}

		// Zero out .bss portion (memory size > file size)
		if prog.Memsz > prog.Filesz {
			_ = e.MemWrite(loadVAddr+prog.Filesz, make([]byte, prog.Memsz-prog.Filesz))
		}
	}

	// PLT addresses first: the relocation pass falls back to them
	addPLTSymbols(f, relocOffset, info.Symbols, info.Imports)

	if err := e.applyRelocations(f, relocOffset, info.Imports, resolve); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	return info, nil
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// addPLTSymbols adds PLT stub addresses for external symbols.
// Addresses are added to both symbols (for lookups) and imports.
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	if pltSec == nil {
		return
	}

	relaPlt := f.Section(".rela.plt")
	if relaPlt == nil {
		return
	}

	// Go skips STN_UNDEF at index 0
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	// ARM64 PLT: 32-byte header, then 16-byte entries
	pltBase := pltSec.Addr + relocOffset
	const pltHeaderSize = 32
	const pltEntrySize = 16

	// Each RELA entry is 24 bytes
	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		arrayIdx := int(rInfo>>32) - 1

		if arrayIdx >= 0 && arrayIdx < len(dynSyms) {
			sym := dynSyms[arrayIdx]
			if sym.Name != "" && sym.Value == 0 {
				pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
				name := stripVersion(sym.Name)
				symbols[name] = pltAddr
				imports[name] = pltAddr
			}
		}

		entryIdx++
	}
}

// applyRelocations processes ELF relocations to fix GOT entries.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64, resolve ImportResolver) error {
	// DynamicSymbols() skips STN_UNDEF, so index i is ELF symbol i+1
	dynSyms, _ := f.DynamicSymbols()
	symByIndex := make(map[int]elf.Symbol, len(dynSyms))
	for i, sym := range dynSyms {
		symByIndex[i+1] = sym
	}

	external := func(name string) (uint64, bool) {
		name = stripVersion(name)
		if name == "__stack_chk_guard" {
			return TLSBase + 0x28, true
		}
		if resolve != nil {
			if addr, ok := resolve(name); ok {
				return addr, true
			}
		}
		addr, ok := imports[name]
		return addr, ok
	}

	buf := make([]byte, 8)
	put := func(addr, val uint64) {
		binary.LittleEndian.PutUint64(buf, val)
		_ = e.MemWrite(addr, buf)
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		// r_offset (8), r_info (8), r_addend (8)
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			relType := uint32(rInfo & 0xFFFFFFFF)
			sym, hasSym := symByIndex[int(rInfo>>32)]
			target := rOffset + relocOffset

			switch relType {
			case R_AARCH64_RELATIVE:
				put(target, relocOffset+uint64(rAddend))

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				if !hasSym {
					continue
				}
				if sym.Value != 0 {
					put(target, sym.Value+relocOffset)
				} else if addr, ok := external(sym.Name); ok {
					// For JUMP_SLOT an unbound import resolves to its own
					// PLT entry, which keeps it hookable by address.
					put(target, addr)
				}

			case R_AARCH64_ABS64:
				switch {
				case hasSym && sym.Value != 0:
					put(target, sym.Value+relocOffset+uint64(rAddend))
				case hasSym && sym.Name != "":
					if addr, ok := external(sym.Name); ok {
						put(target, addr+uint64(rAddend))
					}
				case rAddend > 0:
					put(target, relocOffset+uint64(rAddend))
				}
			}
		}
	}

	return nil
}
