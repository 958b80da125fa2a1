// notifier evaluates notification rules against incoming domain events and
// dispatches notifications to resolved recipients.
//
// Usage:
//
//	notifier serve --config-file notifier.toml
//	notifier check --config-dir ./conf.d
//	notifier flush-digest --config-file notifier.toml --user u1
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notifier/internal/config"
)

var version = "dev"

// sourceFlags holds the config source shared by every subcommand.
type sourceFlags struct {
	file string
	dir  string
}

// source resolves flags into a config source.
// Params: none.
// Returns: config source or flag validation error.
func (f *sourceFlags) source() (config.ConfigSource, error) {
	return config.FromCLI(f.file, f.dir)
}

func newRootCmd() *cobra.Command {
	flags := &sourceFlags{}
	rootCmd := &cobra.Command{
		Use:           "notifier",
		Short:         "Evaluate notification rules and dispatch notifications",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.file, "config-file", "", "path to one TOML config file")
	rootCmd.PersistentFlags().StringVar(&flags.dir, "config-dir", "", "path to directory with TOML config fragments")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(checkCmd(flags))
	rootCmd.AddCommand(flushDigestCmd(flags))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}
