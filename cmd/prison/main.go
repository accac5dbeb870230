package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zboralski/prison/internal/config"
	plog "github.com/zboralski/prison/internal/log"
)

var (
	configPath string
	verbose    bool
	quiet      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prison",
		Short: "Native interception core for Android app virtualization",
		Long: `Prison redirects filesystem paths, spoofs the calling UID and substitutes
dex files for a virtualized Android app.

It boots an ARM64 guest process with synthetic libc and libz, a managed
runtime model and a policy script, then installs the interception hooks the
way the app process would through its control natives.

Examples:
  prison run -c prison.yaml            # install hooks, run probes, print trace
  prison rules -c prison.yaml /data/data/com.example.app/files
  prison inspect -c prison.yaml        # disassemble patched prologues
  prison symbols libc.so`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			plog.Init(verbose)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "report only, no trace")

	rootCmd.AddCommand(runCmd(), rulesCmd(), inspectCmd(), symbolsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or returns the defaults with
// packageName set from fallback when no file is given.
func loadConfig(fallbackPackage string) (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		cfg.PackageName = fallbackPackage
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug && !verbose {
		plog.L = plog.New(true)
	}
	return cfg, nil
}
