package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/prison/internal/ui/colorize"
)

func runCmd() *cobra.Command {
	var (
		syscalls bool
		insn     int
	)
	cmd := &cobra.Command{
		Use:   "run [package]",
		Short: "Install the hooks, run the configured probes and print report and trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := ""
			if len(args) == 1 {
				pkg = args[0]
			}
			cfg, err := loadConfig(pkg)
			if err != nil {
				return err
			}
			if pkg != "" {
				cfg.PackageName = pkg
			}

			p, err := startProcess(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			var insns *insnTrace
			if insn > 0 {
				insns = p.traceInstructions(insn)
			}
			r, err := p.install()
			if err != nil {
				return err
			}
			probes := p.runProbes()
			r = p.core.Report()

			out := newOutputWriter()
			defer out.Close()
			printHeader(out, r, p.core.State())
			printReport(out, r)
			printProbes(out, probes)
			printStatus(out, p.status())
			if !quiet {
				printTrace(out, p.events.Events(), syscalls)
			}
			if insns != nil {
				lines, total := insns.Lines()
				out.Write("")
				out.Writef("%s %s", colorize.Header("guest instructions"), colorize.Detail(fmt.Sprintf("(%d executed)", total)))
				for _, l := range lines {
					out.Write(l)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&syscalls, "syscalls", false, "include guest syscalls in the trace")
	cmd.Flags().IntVarP(&insn, "insn", "n", 0, "disassemble the first n guest instructions executed")
	return cmd
}
