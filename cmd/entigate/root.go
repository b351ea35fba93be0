package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "entigate",
	Short: "Runtime-defined entity service with hooks, integrity and enrichment",
	Long: `entigate serves entities whose types are defined at runtime.

Datatypes are YAML definitions: typed fields, references between types,
hook steps around each operation. entigate validates payloads, keeps
references consistent on delete and resolves them on read.

Quick start:
  entigate validate --dir ./definitions   # Check definitions
  entigate serve                          # Start the HTTP server`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "entigate.yaml", "config file path")
}
