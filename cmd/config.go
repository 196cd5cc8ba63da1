package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/config"
	"github.com/marcus/offsync/internal/output"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage offsync configuration",
	GroupID: "system",
}

// effectiveConfig is the resolved configuration after env and defaults.
type effectiveConfig struct {
	ServerURL     string `json:"server_url"`
	APIKeySet     bool   `json:"api_key_set"`
	Storage       string `json:"storage"`
	DBPath        string `json:"db_path"`
	TickInterval  string `json:"tick_interval"`
	ProbeInterval string `json:"probe_interval"`
	HTTPTimeout   string `json:"http_timeout"`
	LogFile       string `json:"log_file,omitempty"`
}

func resolveConfig() (effectiveConfig, error) {
	path, err := config.GetDBPath()
	if err != nil {
		return effectiveConfig{}, err
	}
	return effectiveConfig{
		ServerURL:     config.GetServerURL(),
		APIKeySet:     config.GetAPIKey() != "",
		Storage:       config.GetStorage(),
		DBPath:        path,
		TickInterval:  config.GetTickInterval().String(),
		ProbeInterval: config.GetProbeInterval().String(),
		HTTPTimeout:   config.GetHTTPTimeout().String(),
		LogFile:       config.GetLogFile(),
	}, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOutput {
			return output.JSON(cfg)
		}
		fmt.Printf("server_url:     %s\n", cfg.ServerURL)
		apiKey := "(not set)"
		if cfg.APIKeySet {
			apiKey = "(set)"
		}
		fmt.Printf("api_key:        %s\n", apiKey)
		fmt.Printf("storage:        %s\n", cfg.Storage)
		fmt.Printf("db_path:        %s\n", cfg.DBPath)
		fmt.Printf("tick_interval:  %s\n", cfg.TickInterval)
		fmt.Printf("probe_interval: %s\n", cfg.ProbeInterval)
		fmt.Printf("http_timeout:   %s\n", cfg.HTTPTimeout)
		if cfg.LogFile != "" {
			fmt.Printf("log_file:       %s\n", cfg.LogFile)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value (empty value clears it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if err := config.Set(key, val); err != nil {
			output.Error("%v", err)
			return err
		}
		if key == "api_key" {
			val = "(set)"
		}
		output.Success("set %s = %s", key, val)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable config keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(strings.Join(config.Keys(), "\n"))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	rootCmd.AddCommand(configCmd)
}
