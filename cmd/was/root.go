package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// noColor disables ANSI colour when stderr is not a terminal or NO_COLOR
// is set.
var noColor = os.Getenv("NO_COLOR") != "" ||
	!(isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))

var rootCmd = &cobra.Command{
	Use:           "was",
	Short:         "Walnut AI Support: knowledge-base answers and support tickets",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if off, _ := cmd.Flags().GetBool("no-color"); off {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("no-color", false, "disable coloured output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(corpusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(ticketsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(configCmd)
}
