package commands

import (
	"fmt"
	"os"

	"github.com/gristlabs/grist-hsm/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample configuration file with default values.

By default, the configuration file is created at $XDG_CONFIG_HOME/grist-hsm/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  hsm init

  # Initialize with custom path
  hsm init --config /etc/grist-hsm/config.yaml

  # Force overwrite existing config
  hsm init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return err
	}

	fmt.Printf("Configuration file created: %s\n", configPath)
	fmt.Println("Edit it to configure the blob store and registry backends, then run:")
	fmt.Println("  hsm serve")
	return nil
}
