// Package cmd wires up the triekv command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/triekv/triekv/cmd/join"
	"github.com/triekv/triekv/cmd/serve"
	"github.com/triekv/triekv/server"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "triekv",
		Short: "trie-indexed in-memory key-value store",
		Long: fmt.Sprintf(`triekv (v%s)

An in-memory, networked key-value store indexed by a character trie,
supporting exact-match and prefix-scoped bulk operations, per-key TTL
expiration, multiple named databases and loose cluster membership.`, server.Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of triekv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("triekv v%s\n", server.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(join.JoinCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
