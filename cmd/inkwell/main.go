package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Draft novel chapters with continuity checks",
	Long: `inkwell drafts novel chapters with a model, checks each draft against the
story so far and tracks narrative hooks and newly introduced characters.

Run "inkwell start" to serve the API, then use the other commands against it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(
		startCmd, stopCmd, statusCmd,
		novelCmd, chapterCmd,
		generateCmd, branchesCmd,
		hooksCmd, entitiesCmd,
		importCmd, styleCmd, jobsCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
