package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/prison/internal/guest"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/ui/colorize"
)

func symbolsCmd() *cobra.Command {
	var syscalls bool
	cmd := &cobra.Command{
		Use:   "symbols [library] [symbol...]",
		Short: "List the exports of a guest library, or resolve the named symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !syscalls {
				return fmt.Errorf("symbols: library name required")
			}
			cfg, err := loadConfig("symbols")
			if err != nil {
				return err
			}
			fs, err := guestFS(cfg)
			if err != nil {
				return err
			}
			sys, err := guest.Boot(guest.Config{FS: fs, SearchPaths: cfg.Libraries.SearchPaths, Preload: cfg.Libraries.Preload})
			if err != nil {
				return err
			}
			defer sys.Close()

			if syscalls {
				for _, sc := range sys.Kernel.Syscalls() {
					fmt.Printf("  %s  %s\n", colorize.Detail(fmt.Sprintf("%4d", sc.NR)), colorize.Symbol(sc.Name))
				}
				if len(args) == 0 {
					return nil
				}
			}

			img, err := sys.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s %s  %s %s\n",
				colorize.Header(img.Name),
				colorize.Detail("base"), colorize.Address(img.Base),
				colorize.Detail("end"), colorize.Address(img.End))

			if len(args) > 1 {
				res := linker.NewResolver(sys.Linker)
				for _, sym := range args[1:] {
					addr, err := res.Resolve(linker.Library(img.Name), sym)
					if err != nil {
						fmt.Printf("  %s  %s\n", colorize.Symbol(sym), colorize.Error(err.Error()))
						continue
					}
					fmt.Printf("  %s  %s\n", colorize.Address(addr), colorize.Symbol(sym))
				}
				return nil
			}

			for _, name := range img.Names() {
				fmt.Printf("  %s  %s\n", colorize.Address(img.Symbols[name]), colorize.Symbol(name))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&syscalls, "syscalls", false, "list the guest kernel syscall table")
	return cmd
}
