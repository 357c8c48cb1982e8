package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cliConfig holds the CLI's own persisted state, grounded on
// internal/cli/config.go's viper-backed ~/.scriberr.yaml pattern.
type cliConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	DefaultTarget  string `mapstructure:"default_target_language"`
	PreserveMusic  bool   `mapstructure:"preserve_background_music"`
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	viper.AddConfigPath(home)
	viper.SetConfigType("yaml")
	viper.SetConfigName(".dubctl")
	viper.SetDefault("server_url", "http://localhost:8080")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func getConfig() *cliConfig {
	return &cliConfig{
		ServerURL:     viper.GetString("server_url"),
		DefaultTarget: viper.GetString("default_target_language"),
		PreserveMusic: viper.GetBool("preserve_background_music"),
	}
}

func saveConfig(serverURL, defaultTarget string, preserveMusic bool) error {
	if serverURL != "" {
		viper.Set("server_url", serverURL)
	}
	if defaultTarget != "" {
		viper.Set("default_target_language", defaultTarget)
	}
	viper.Set("preserve_background_music", preserveMusic)

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return viper.WriteConfigAs(filepath.Join(home, ".dubctl.yaml"))
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or update dubctl's persisted configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		fmt.Printf("server_url: %s\ndefault_target_language: %s\npreserve_background_music: %t\n",
			cfg.ServerURL, cfg.DefaultTarget, cfg.PreserveMusic)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set-server <url>",
	Short: "Set the dubbing pipeline server URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return saveConfig(args[0], "", getConfig().PreserveMusic)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
}
