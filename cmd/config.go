package cmd

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/kwikrec/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage kwikrec configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Make a profile the active configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := config.LoadWithProfile(path, args[0]); err != nil {
			return err
		}
		if err := config.UpdateActiveConfig(path, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active configuration is now '%s'\n", args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and every profile in it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		root, err := config.ValidateConfigurationFormat(path)
		if err != nil {
			return err
		}
		for name := range root.Configs {
			if _, err := config.LoadWithProfile(path, name); err != nil {
				return fmt.Errorf("profile '%s': %w", name, err)
			}
		}
		fmt.Printf("%s: %d profiles OK\n", path, len(root.Configs))
		return nil
	},
}

func configPath() string {
	if cfgFile == "" {
		return defaultConfigPath()
	}
	return cfgFile
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configValidateCmd)
}
