package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/storagerules/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "storagerules",
	Short: "Storage policy rule engine",
	Long: `storagerules evaluates storage rules against file metadata and access
counts, and queues cmdlets for the files that match.

Configuration:
  Config is loaded from storagerules.yaml in the current directory,
  $HOME/.storagerules/, or /etc/storagerules/.

  Environment variables override config values with the STORAGE_RULES_ prefix.
  Example: STORAGE_RULES_DATABASE_URL=/var/lib/storagerules/meta.db`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./storagerules.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	config.InitViper(cfgFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
