package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meloforge",
	Short: "MeloForge is an AI music generation studio backend.",
	Long: `MeloForge drives asynchronous music generation jobs against
third-party providers and maintains the resulting tracks and their
variants. Run "meloforge server" to start the HTTP API.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
