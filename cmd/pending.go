package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/output"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Aliases: []string{"ls"},
	Short:   "List queued mutations in replay order",
	GroupID: "outbox",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		long, _ := cmd.Flags().GetBool("long")

		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		records, err := a.engine.Pending(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOutput {
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Info("outbox empty")
			return nil
		}

		width := output.TerminalWidth(100)
		for i := range records {
			if long {
				fmt.Println(output.FormatRecordLong(&records[i], width))
				fmt.Println()
				continue
			}
			fmt.Println(output.Truncate(output.FormatRecordShort(&records[i]), width))
		}
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard <id>",
	Short:   "Drop a queued mutation without sending it",
	Long:    `Removes one record from the outbox. Use it to get past a mutation the server keeps rejecting.`,
	GroupID: "outbox",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			err = fmt.Errorf("invalid id %q", args[0])
			output.Error("%v", err)
			return err
		}

		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		if err := a.engine.Discard(cmd.Context(), id); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("discarded #%d", id)
		return nil
	},
}

func init() {
	pendingCmd.Flags().BoolP("long", "l", false, "show key, payload and metadata")
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(discardCmd)
}
