package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/output"
	offsync "github.com/marcus/offsync/internal/sync"
)

var drainCmd = &cobra.Command{
	Use:     "drain",
	Aliases: []string{"push"},
	Short:   "Replay queued mutations to the server in order",
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		res, err := a.engine.Drain(cmd.Context())
		if err != nil {
			output.Error("drain: %v", err)
			return err
		}
		if jsonOutput {
			return output.JSON(drainJSON(res))
		}
		printDrainResult(res)
		if res.Blocked != nil {
			return res.Blocked
		}
		return nil
	},
}

// drainSummary is DrainResult with the blocking error rendered as text.
type drainSummary struct {
	offsync.DrainResult
	Blocked string `json:"blocked,omitempty"`
}

func drainJSON(res offsync.DrainResult) drainSummary {
	s := drainSummary{DrainResult: res}
	if res.Blocked != nil {
		s.Blocked = res.Blocked.Error()
	}
	return s
}

func printDrainResult(res offsync.DrainResult) {
	switch {
	case res.Skipped:
		output.Info("drain already running, %d pending", res.Remaining)
	case res.Blocked != nil:
		reportDeliveryError(res.Blocked)
		output.Warning("synced %d, %d pending (run: offsync pending, offsync discard <id>)", res.Synced, res.Remaining)
	case res.Remaining > 0:
		output.Warning("synced %d, %d pending (server unreachable)", res.Synced, res.Remaining)
	case res.Synced > 0:
		output.Success("synced %d", res.Synced)
	default:
		output.Info("outbox empty")
	}
}

func init() {
	rootCmd.AddCommand(drainCmd)
}
