// Command spriteletl is the operator CLI spec.md §6 calls for ("any
// operator CLI built on this core"): status and control subcommands
// against a running core.Core. Structured with spf13/cobra the way the
// pack's phenix module structures its own operator CLI
// (phenix/cmd/root.go), with tunables bound through the same
// viper-over-pflag layering internal/config uses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sprited/sprited/internal/config"
)

var (
	selfHost int
	bootGen  uint64
)

var rootCmd = &cobra.Command{
	Use:   "spriteletl",
	Short: "operator CLI for a sprited core (peer recovery, RPC, migration, LFS)",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().IntVar(&selfHost, "self-host", 0, "this host's peer ID")
	rootCmd.PersistentFlags().Uint64Var(&bootGen, "boot-gen", 1, "this host's boot generation")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(rpcStatsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func loadTunables(flags *pflag.FlagSet) config.Tunables {
	t, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "spriteletl: loading tunables:", err)
		os.Exit(1)
	}
	return t
}

func main() {
	Execute()
}
