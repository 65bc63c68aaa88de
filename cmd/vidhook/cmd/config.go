package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/vidhook/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the vidhook config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to $HOME/.vidhook/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "config.yaml")
		}
		if err := config.WriteDefaults(path, configForce); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote default config to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := v.AllSettings()
		if key, ok := settings["api_key"].(string); ok && key != "" {
			settings["api_key"] = maskSecret(key)
		}

		if IsJSONOutput() {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		}

		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# loaded from %s\n", used)
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to render settings: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

// maskSecret keeps the first four characters of s
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}
