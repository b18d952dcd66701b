package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "listend",
	Short:         "listend evaluates price-triggered pipelines and executes their orders",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the JSON config file (defaults to $LISTEN_CONFIG)")
	rootCmd.AddCommand(runCmd, validateCmd)
}
