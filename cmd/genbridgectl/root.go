package main

import (
	"github.com/spf13/cobra"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dir        string
	verbose    bool
}

func newRootCmd(streams ioStreams) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "genbridgectl",
		Short: "Structured generation bridge control surface",
		Long: `genbridgectl drives sessions against a language model capability,
decoding its output against generation schemas.

Configuration is read from genbridge.yaml (or .yml/.json) in the working
directory unless --config names a file. A .env file next to it is loaded
first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(streams.in)
	root.SetOut(streams.out)
	root.SetErr(streams.err)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to the config file")
	pf.StringVar(&flags.dir, "dir", ".", "Directory searched for genbridge.yaml")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		newServeCmd(flags, streams),
		newRespondCmd(flags, streams),
		newStreamCmd(flags, streams),
		newSchemaCmd(streams),
		newMCPCmd(flags, streams),
	)
	return root
}
