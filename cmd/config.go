package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zx6217/geminirelay/pkg/config"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Write a default bootstrap config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootstrap, err := config.LoadBootstrap(configPath)
			if err != nil {
				return fmt.Errorf("load bootstrap config: %w", err)
			}
			if err := config.SaveBootstrap(configPath, bootstrap); err != nil {
				return fmt.Errorf("save bootstrap config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
			return nil
		},
	}
	configCmd.Flags().StringVar(&configPath, "config", config.DefaultBootstrapPath(), "Bootstrap config TOML path")
	rootCmd.AddCommand(configCmd)
}
