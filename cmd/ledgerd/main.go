package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Usage quota ledger for transcription seconds",
	Long:  "Ledgerd tracks per-user transcription quotas for the voice notes app: monthly subscription allowances, purchased top-up balances, consumption bookings, and idempotent store credits.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/ledgerd.yaml)")
}

// configPath returns the --config value, falling back to configs/ledgerd.yaml
// when that file exists. An empty return means built-in defaults.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("configs/ledgerd.yaml"); err == nil {
		return "configs/ledgerd.yaml"
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
