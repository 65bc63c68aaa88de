package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/psantana5/vidhook/internal/config"
	"github.com/psantana5/vidhook/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string

	v   = config.New()
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vidhook",
	Short: "Queue videos for hook analysis under a strict request quota",
	Long: `vidhook uploads videos one at a time to an analysis gateway, pacing requests
to stay inside the gateway's per-minute quota, retrying transient failures and
exporting the extracted hooks as CSV, JSON, a terminal table or PostgreSQL rows.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "table" && outputFormat != "json" {
			return fmt.Errorf("--output must be table or json, got '%s'", outputFormat)
		}
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vidhook/config.yaml)")
	pf.StringVar(&outputFormat, "output", "table", "output format: table or json")
	pf.String("endpoint", "", "analysis gateway URL")
	pf.String("api-key", "", "API key sent as a bearer token")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")

	bindFlag(pf.Lookup("endpoint"), "endpoint")
	bindFlag(pf.Lookup("api-key"), "api_key")
	bindFlag(pf.Lookup("log-level"), "logging.level")
	bindFlag(pf.Lookup("log-format"), "logging.format")
}

// bindFlag lets a flag override key when set on the command line
func bindFlag(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", f.Name, err))
	}
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newLogger builds the logger for one command
func newLogger(component string) (*slog.Logger, io.Closer, error) {
	lc := cfg.Logging
	if IsJSONOutput() && !strings.EqualFold(lc.Format, "json") {
		// Keep stdout clean for the JSON document
		lc.Format = "json"
	}
	return logging.New(component, lc)
}
