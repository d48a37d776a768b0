package main

import (
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/fxpulse/internal/setup"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive wizard writing the yaml config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, _ := cmd.Flags().GetString("out")
		return setup.RunTUI(out)
	},
}

func init() {
	setupCmd.Flags().String("out", "fxpulse.yaml", "where to write the config")
}
