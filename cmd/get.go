package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/output"
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a resource, falling back to the last snapshot when offline",
	Example: `  offsync get /notes
  offsync get /notes/n1 --key note-n1`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")

		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		res, err := a.reader.Read(cmd.Context(), key, args[0])
		if err != nil {
			output.Error("get %s: %v", args[0], err)
			return err
		}
		if jsonOutput {
			return output.JSON(res)
		}
		if res.Stale {
			output.Warning("server unreachable, showing snapshot from %s", output.FormatTimeAgo(res.SavedAt))
		}
		fmt.Println(string(res.Data))
		return nil
	},
}

func init() {
	getCmd.Flags().String("key", "", "snapshot key (default: the path)")
	rootCmd.AddCommand(getCmd)
}
