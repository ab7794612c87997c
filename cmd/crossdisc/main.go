package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "crossdisc",
	Short: "Explore a concept across academic disciplines",
	Long: `crossdisc classifies a concept into disciplines, runs a literature search
across them on the central agent, and lets you explore and question the
resulting knowledge graph.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		}
		return fmt.Errorf("invalid --output %q (want text, json or yaml)", outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
