package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/vidhook/pkg/models"
	"github.com/psantana5/vidhook/pkg/persistence"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show saved queue statistics",
	Long:  `Print the statistics, quota snapshot and unfinished videos saved by the last analyze run.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if cfg.Persistence.Type == "none" {
		fmt.Println("Persistence is disabled")
		return nil
	}
	path, err := cfg.SnapshotPath()
	if err != nil {
		return err
	}
	pc := cfg.Persistence.Config
	pc.Path = path
	store, err := persistence.NewStore(pc)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load(cmd.Context())
	if errors.Is(err, persistence.ErrNoSnapshot) {
		if IsJSONOutput() {
			fmt.Println("null")
			return nil
		}
		fmt.Printf("No saved queue state at %s\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load queue state: %w", err)
	}

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("Saved %s (%s ago)\n\n", snap.SavedAt.Format(time.RFC3339), time.Since(snap.SavedAt).Round(time.Second))
	var info models.RateLimitInfo
	if snap.RateLimitInfo != nil {
		info = *snap.RateLimitInfo
	}
	renderStats(snap.Statistics, info)

	if len(snap.Items) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Unfinished", "Size", "Retries")
		for _, item := range snap.Items {
			table.Append(item.Filename, formatBytes(item.Size), fmt.Sprintf("%d", item.RetryCount))
		}
		table.Render()
	}
	return nil
}

func renderStats(stats models.Statistics, info models.RateLimitInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Processed", fmt.Sprintf("%d", stats.TotalProcessed))
	table.Append("Completed", fmt.Sprintf("%d", stats.CompletedCount))
	table.Append("Errors", fmt.Sprintf("%d", stats.ErrorCount))
	table.Append("Retries", fmt.Sprintf("%d", stats.RetryCount))
	table.Append("Success Rate", fmt.Sprintf("%.1f%%", stats.SuccessRate))
	table.Append("Avg Processing", (time.Duration(stats.AverageProcessingTime) * time.Millisecond).Round(time.Millisecond).String())

	if info.MaxRequestsPerMinute > 0 {
		table.Append("Quota", fmt.Sprintf("%d/%d remaining", info.Remaining, info.MaxRequestsPerMinute))
		if !info.ResetTime.IsZero() {
			table.Append("Quota Resets", info.ResetTime.Format(time.TimeOnly))
		}
	}
	table.Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
