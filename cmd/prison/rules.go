package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/prison/internal/ui/colorize"
)

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules [path...]",
		Short: "List the configured redirection rules and resolve paths against them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("rules")
			if err != nil {
				return err
			}
			store, err := seedRules(cfg.Rules)
			if err != nil {
				return err
			}
			for i, r := range store.Rules() {
				fmt.Printf("%s %s → %s\n", colorize.Detail(fmt.Sprintf("%2d", i)), colorize.Path(r.Source), colorize.Path(r.Target))
			}
			if len(args) > 0 {
				fmt.Println()
			}
			for _, p := range args {
				to, ok := store.Match(p)
				if !ok {
					fmt.Printf("%s  %s\n", p, colorize.Detail("(no rule)"))
					continue
				}
				fmt.Printf("%s → %s\n", p, colorize.Path(to))
			}
			return nil
		},
	}
}
