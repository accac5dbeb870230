package main

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/prison/internal/emulator"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/ui/colorize"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [hook-id...]",
		Short: "Install the hooks and disassemble patched prologues and their trampolines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("inspect")
			if err != nil {
				return err
			}
			p, err := startProcess(cfg)
			if err != nil {
				return err
			}
			defer p.Close()
			if _, err := p.install(); err != nil {
				return err
			}

			for _, e := range p.core.Engine().Registry().Entries() {
				d := e.Descriptor
				if d.Strategy != hook.Inline || !selected(d.ID, args) {
					continue
				}
				if e.State() != hook.Installed {
					fmt.Printf("%s  %s\n\n", colorize.Symbol(d.ID), colorize.Error(fmt.Sprint(e.Err())))
					continue
				}
				orig := e.Original()
				fmt.Printf("%s  %s\n", colorize.Symbol(d.ID), colorize.Detail(d.Target()))
				fmt.Println(colorize.Header("  patch"))
				dump(p.sys.Emu, orig.Target, hook.PatchSize)
				fmt.Println(colorize.Header("  trampoline"))
				dump(p.sys.Emu, orig.Trampoline, hook.TrampolineSize)
				fmt.Println()
			}
			return nil
		},
	}
}

func selected(id string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(id, f) {
			return true
		}
	}
	return false
}

// dump disassembles size bytes at addr, one instruction word per line.
func dump(emu *emulator.Emulator, addr uint64, size uint64) {
	code, err := emu.MemRead(addr, size)
	if err != nil {
		fmt.Printf("    %s\n", colorize.Error(err.Error()))
		return
	}
	for off := 0; off+4 <= len(code); off += 4 {
		word := code[off : off+4]
		fmt.Printf("    %s  %s  %s\n",
			colorize.Address(addr+uint64(off)),
			colorize.HexBytes(fmt.Sprintf("%08X", binary.LittleEndian.Uint32(word))),
			colorize.Instruction(disasm(word)))
	}
}

func disasm(code []byte) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
	}
	return inst.String()
}
