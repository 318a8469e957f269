package main

import (
	"github.com/spf13/cobra"

	"github.com/lockstep-project/lockstep/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively write a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
