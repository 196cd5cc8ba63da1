package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/offsync/internal/api"
	"github.com/marcus/offsync/internal/config"
	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/mutation"
	"github.com/marcus/offsync/internal/serverdb"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/marcus/offsync/internal/transport"
)

const testToken = "tok-cli"

// useClientEnv points the client config at a fresh home and serverURL.
func useClientEnv(t *testing.T, serverURL string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("OFFSYNC_HOME", home)
	t.Setenv("OFFSYNC_SERVER_URL", serverURL)
	t.Setenv("OFFSYNC_API_KEY", testToken)
	t.Setenv("OFFSYNC_STORAGE", "")
	t.Setenv("OFFSYNC_OUTBOX_PATH", "")
	t.Setenv("OFFSYNC_HTTP_TIMEOUT", "2s")
	t.Setenv("OFFSYNC_LOG_FILE", "")
	return home
}

func startServer(t *testing.T) (*httptest.Server, *serverdb.ServerDB) {
	t.Helper()
	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.Config{
		APIKeys:        map[string]string{testToken: "alice"},
		IdempotencyTTL: time.Minute,
		RateLimitWrite: 100000,
		RateLimitRead:  100000,
	}, store, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, store
}

// runCLI executes the root command with args. Flag values left over from
// earlier runs are reset first.
func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestMethodValue(t *testing.T) {
	var m methodValue
	if err := m.Set("patch"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if m.method != mutation.MethodPatch || m.String() != "PATCH" {
		t.Errorf("got %q", m.method)
	}
	if err := m.Set("GET"); err == nil {
		t.Error("GET accepted")
	}
	if m.Type() != "method" {
		t.Errorf("type = %q", m.Type())
	}
}

func TestSubmissionFromFlags(t *testing.T) {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	addSubmitFlags(fs)

	metaPath := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(metaPath, []byte(`{"local_id":7}`), 0644); err != nil {
		t.Fatal(err)
	}
	err := fs.Parse([]string{
		"--action", "update_record",
		"--endpoint", "/notes/n1",
		"--method", "patch",
		"--payload", `{"title":"x"}`,
		"--key", "k-1",
		"--metadata", "@" + metaPath,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	sub, err := submissionFromFlags(fs)
	if err != nil {
		t.Fatalf("submission: %v", err)
	}
	if sub.Action != "update_record" || sub.Endpoint != "/notes/n1" || sub.Method != mutation.MethodPatch {
		t.Errorf("got %+v", sub)
	}
	if sub.IdempotencyKey != "k-1" || string(sub.Payload) != `{"title":"x"}` || string(sub.Metadata) != `{"local_id":7}` {
		t.Errorf("got %+v", sub)
	}
}

func TestSubmissionFromFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing action", []string{"--endpoint", "/notes"}},
		{"bad payload", []string{"--action", "add_record", "--payload", "{nope"}},
		{"missing file", []string{"--action", "add_record", "--payload", "@/does/not/exist"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
			addSubmitFlags(fs)
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := submissionFromFlags(fs); err == nil {
				t.Error("expected error")
			}
		})
	}

	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	addSubmitFlags(fs)
	if err := fs.Parse([]string{"--method", "GET"}); err == nil {
		t.Error("--method GET accepted")
	}
}

func TestDrainJSON(t *testing.T) {
	res := offsync.DrainResult{Synced: 1, Remaining: 2, Blocked: errors.New("boom")}
	b, err := json.Marshal(drainJSON(res))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	json.Unmarshal(b, &got)
	if got["synced"] != float64(1) || got["remaining"] != float64(2) || got["blocked"] != "boom" {
		t.Errorf("got %s", b)
	}
}

func TestOpenAppStorage(t *testing.T) {
	home := useClientEnv(t, "http://127.0.0.1:1/v1")

	a, err := openApp(nil)
	if err != nil {
		t.Fatalf("open sqlite app: %v", err)
	}
	if a.storage != config.StorageSQLite || a.dbPath != filepath.Join(home, "offsync.db") {
		t.Errorf("storage %q path %q", a.storage, a.dbPath)
	}
	a.Close()

	t.Setenv("OFFSYNC_STORAGE", "memory")
	a, err = openApp(nil)
	if err != nil {
		t.Fatalf("open memory app: %v", err)
	}
	defer a.Close()
	if a.storage != config.StorageMemory || a.dbPath != "" {
		t.Errorf("storage %q path %q", a.storage, a.dbPath)
	}
}

func TestSubmitQueuesOfflineThenDrains(t *testing.T) {
	ts, store := startServer(t)
	useClientEnv(t, "http://127.0.0.1:1/v1")

	err := runCLI(t, "submit", "--action", "add_record", "--endpoint", "/notes", "--payload", `{"id":"n1","title":"offline"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	a, err := openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	pending, err := a.engine.Pending(context.Background())
	a.Close()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Endpoint != "/notes" {
		t.Fatalf("pending = %+v", pending)
	}

	t.Setenv("OFFSYNC_SERVER_URL", ts.URL+"/v1")
	if err := runCLI(t, "drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec, err := store.GetRecord(context.Background(), "notes", "n1")
	if err != nil {
		t.Fatalf("server record: %v", err)
	}
	if string(rec.Data) != `{"title":"offline"}` {
		t.Errorf("data = %s", rec.Data)
	}

	a, err = openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	if n, _ := a.engine.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending after drain = %d", n)
	}
}

func TestDiscardCommand(t *testing.T) {
	useClientEnv(t, "http://127.0.0.1:1/v1")

	if err := runCLI(t, "submit", "--action", "delete_record", "--endpoint", "/notes/n9"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	a, err := openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	pending, _ := a.engine.Pending(context.Background())
	a.Close()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := runCLI(t, "discard", "abc"); err == nil {
		t.Error("non-numeric id accepted")
	}
	if err := runCLI(t, "discard", "1"); err != nil {
		t.Fatalf("discard: %v", err)
	}

	a, err = openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	if n, _ := a.engine.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending after discard = %d", n)
	}
}

func TestGetFallsBackToSnapshot(t *testing.T) {
	ts, store := startServer(t)
	useClientEnv(t, ts.URL+"/v1")
	ctx := context.Background()

	if _, err := store.CreateRecord(ctx, "notes", "n1", json.RawMessage(`{"title":"cached"}`), false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a, err := openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	live, err := a.reader.Read(ctx, "", "/notes/n1")
	a.Close()
	if err != nil || live.Stale {
		t.Fatalf("live read: %+v %v", live, err)
	}

	t.Setenv("OFFSYNC_SERVER_URL", "http://127.0.0.1:1/v1")
	a, err = openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	stale, err := a.reader.Read(ctx, "", "/notes/n1")
	if err != nil {
		t.Fatalf("offline read: %v", err)
	}
	if !stale.Stale || string(stale.Data) != string(live.Data) {
		t.Errorf("offline read = %+v", stale)
	}
}

func TestDrainOnTriggerLogsBlocked(t *testing.T) {
	ts, _ := startServer(t)
	useClientEnv(t, ts.URL+"/v1")
	t.Setenv("OFFSYNC_STORAGE", "memory")

	a, err := openApp(nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()

	// A record the catalog rejects before sending blocks the drain.
	bad := mutation.Record{Action: "bogus", Endpoint: "/notes", Method: mutation.MethodPost, IdempotencyKey: "k-bad", CreatedAt: time.Now()}
	if err := a.outbox.Enqueue(context.Background(), &bad); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var logs bytes.Buffer
	drainOnTrigger(a.engine, slog.New(slog.NewTextHandler(&logs, nil)))(context.Background(), connectivity.TriggerManual)
	if !strings.Contains(logs.String(), "drain blocked") {
		t.Errorf("logs = %q", logs.String())
	}

	res, err := a.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	var de *offsync.DeliveryError
	if !errors.As(res.Blocked, &de) || de.Class != transport.ClassRejected {
		t.Errorf("blocked = %v", res.Blocked)
	}
	if res.Remaining != 1 {
		t.Errorf("remaining = %d", res.Remaining)
	}
}

func TestConfigSetCommand(t *testing.T) {
	useClientEnv(t, "http://127.0.0.1:1/v1")

	if err := runCLI(t, "config", "set", "tick_interval", "45s"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if got := config.GetTickInterval(); got != 45*time.Second {
		t.Errorf("tick = %v", got)
	}
	if err := runCLI(t, "config", "set", "nope", "x"); err == nil {
		t.Error("unknown key accepted")
	}
}
