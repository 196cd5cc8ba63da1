package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/config"
	"github.com/marcus/offsync/internal/output"
)

// statusReport is the JSON form of `offsync status`.
type statusReport struct {
	ServerURL string `json:"server_url"`
	Online    bool   `json:"online"`
	Storage   string `json:"storage"`
	DBPath    string `json:"db_path,omitempty"`
	Pending   int    `json:"pending"`
	Oldest    string `json:"oldest,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show server reachability and outbox size",
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		_, healthErr := a.client.HealthCheck(ctx)

		records, err := a.engine.Pending(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		report := statusReport{
			ServerURL: config.GetServerURL(),
			Online:    healthErr == nil,
			Storage:   a.storage,
			DBPath:    a.dbPath,
			Pending:   len(records),
		}
		if len(records) > 0 {
			report.Oldest = records[0].CreatedAt.UTC().Format(time.RFC3339)
		}
		if jsonOutput {
			return output.JSON(report)
		}

		fmt.Println(output.SectionHeader("SERVER"))
		fmt.Printf("  url:     %s\n", report.ServerURL)
		if report.Online {
			fmt.Printf("  status:  %s\n", "reachable")
		} else {
			fmt.Printf("  status:  unreachable (%v)\n", healthErr)
		}
		fmt.Println()
		fmt.Println(output.SectionHeader("OUTBOX"))
		fmt.Printf("  storage: %s\n", report.Storage)
		if report.DBPath != "" {
			fmt.Printf("  path:    %s\n", report.DBPath)
		}
		fmt.Printf("  pending: %d\n", report.Pending)
		if len(records) > 0 {
			fmt.Printf("  oldest:  %s\n", output.FormatTimeAgo(records[0].CreatedAt))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
