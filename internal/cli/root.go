// Package cli implements the initsync command line.
package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string

	// Fs is where the config file is read from. Tests swap in a MemMapFs.
	Fs afero.Fs
}

// NewRootCommand creates the initsync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Fs: afero.NewOsFs()}

	cmd := &cobra.Command{
		Use:   "initsync",
		Short: "Initial sync of an empty replica set member",
		Long: `Brings an empty replica set member up to date with a healthy peer:
clones every replicated database, tails the peer's oplog while cloning
and applies the tailed entries up to a consistent stop point.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to TOML config")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	return cmd
}
