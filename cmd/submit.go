package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/offsync/internal/mutation"
	"github.com/marcus/offsync/internal/output"
	offsync "github.com/marcus/offsync/internal/sync"
)

// methodValue is a --method flag restricted to the mutation methods.
type methodValue struct {
	method mutation.Method
}

var _ pflag.Value = (*methodValue)(nil)

func (m *methodValue) String() string { return string(m.method) }
func (m *methodValue) Type() string   { return "method" }

func (m *methodValue) Set(s string) error {
	method, err := mutation.ParseMethod(s)
	if err != nil {
		return err
	}
	m.method = method
	return nil
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send a mutation, queueing it if the server is unreachable",
	Example: `  offsync submit --action add_record --endpoint /notes --payload '{"id":"n1","title":"hi"}'
  offsync submit --action delete_record --endpoint /notes/n1
  offsync submit --action patch_record --endpoint /notes/n1 --payload @patch.json`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := submissionFromFlags(cmd.Flags())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a, err := openApp(nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		res, err := a.engine.Submit(cmd.Context(), sub)
		if err != nil {
			reportDeliveryError(err)
			return err
		}

		if jsonOutput {
			return output.JSON(res)
		}
		if res.Queued {
			output.Warning("queued %s (server unreachable)", output.FormatRecordShort(&res.Record))
			return nil
		}
		output.Success("applied %s %s", output.FormatMethod(res.Record.Method), res.Record.Endpoint)
		return nil
	},
}

// submissionFromFlags builds a submission from the submit flags. Payload and
// metadata accept inline JSON or @file.
func submissionFromFlags(flags *pflag.FlagSet) (mutation.Submission, error) {
	action, _ := flags.GetString("action")
	endpoint, _ := flags.GetString("endpoint")
	key, _ := flags.GetString("key")
	payloadArg, _ := flags.GetString("payload")
	metadataArg, _ := flags.GetString("metadata")

	if action == "" {
		return mutation.Submission{}, errors.New("--action is required")
	}
	payload, err := readJSONArg("payload", payloadArg)
	if err != nil {
		return mutation.Submission{}, err
	}
	metadata, err := readJSONArg("metadata", metadataArg)
	if err != nil {
		return mutation.Submission{}, err
	}

	var method mutation.Method
	if f := flags.Lookup("method"); f != nil && f.Changed {
		method = f.Value.(*methodValue).method
	}
	return mutation.Submission{
		Action:         mutation.Action(action),
		Endpoint:       endpoint,
		Method:         method,
		Payload:        payload,
		IdempotencyKey: key,
		Metadata:       metadata,
	}, nil
}

func readJSONArg(name, arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

// reportDeliveryError prints a failed send with its classification.
func reportDeliveryError(err error) {
	var de *offsync.DeliveryError
	if errors.As(err, &de) {
		output.Error("%s failed (%s): %v", output.FormatRecordShort(&de.Record), de.Class, de.Err)
		return
	}
	output.Error("%v", err)
}

func addSubmitFlags(fs *pflag.FlagSet) {
	fs.String("action", "", "mutation action ("+actionList()+")")
	fs.String("endpoint", "", "resource path, e.g. /notes or /notes/n1")
	fs.Var(&methodValue{}, "method", "override the action's HTTP method")
	fs.String("payload", "", "JSON body or @file")
	fs.String("key", "", "idempotency key (generated when empty)")
	fs.String("metadata", "", "JSON reconciliation data kept with a queued mutation, or @file")
}

func init() {
	addSubmitFlags(submitCmd.Flags())
	rootCmd.AddCommand(submitCmd)
}

func actionList() string {
	actions := mutation.DefaultCatalog().Actions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
