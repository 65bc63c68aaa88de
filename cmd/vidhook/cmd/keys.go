package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/vidhook/pkg/auth"
)

var keyTTL time.Duration

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage gateway API keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <id>",
	Short: "Generate a new API key for the gateway",
	Long: `Generate a new API key. The key itself is printed once; add the printed
entry under gateway.keys in the gateway's config file to accept it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, info, err := auth.NewKeyRing().Generate(args[0], keyTTL)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"key":  key,
				"info": info,
			})
		}

		entry, err := yaml.Marshal([]auth.KeyInfo{info})
		if err != nil {
			return fmt.Errorf("failed to render key entry: %w", err)
		}
		fmt.Printf("API key (shown once): %s\n\n", key)
		fmt.Println("gateway:")
		fmt.Println("  keys:")
		fmt.Print(indent(string(entry), "    "))
		return nil
	},
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().DurationVar(&keyTTL, "ttl", 0, "key lifetime, 0 for no expiry")
}
