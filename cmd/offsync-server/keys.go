package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/marcus/offsync/internal/api"
	"github.com/marcus/offsync/internal/serverdb"
)

func runKeys(args []string) {
	if len(args) == 0 {
		printKeysUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		runKeysCreate(args[1:])
	case "list":
		runKeysList(args[1:])
	case "revoke":
		runKeysRevoke(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		printKeysUsage()
		os.Exit(1)
	}
}

func printKeysUsage() {
	fmt.Fprintln(os.Stderr, `Usage: offsync-server keys <command> [flags]

Commands:
  create  Create an API key for an actor
  list    List API keys
  revoke  Revoke an API key by id`)
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		dbPath = api.LoadConfig().DBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func dbFlag(fs *pflag.FlagSet) *string {
	return fs.String("db", "", "path to server.db (default: from OFFSYNC_DB_PATH or ./data/server.db)")
}

func runKeysCreate(args []string) {
	fs := pflag.NewFlagSet("keys create", pflag.ExitOnError)
	actor := fs.String("actor", "", "actor id the key authenticates as")
	name := fs.String("name", "default", "key name")
	expires := fs.Duration("expires", 0, "key lifetime, e.g. 720h (default: never)")
	dbPath := dbFlag(fs)
	fs.Parse(args)

	if *actor == "" {
		fmt.Fprintln(os.Stderr, "error: --actor is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires).UTC()
		expiresAt = &t
	}

	plaintext, key, err := store.GenerateAPIKey(*actor, *name, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created key %s for %s\n", key.ID, key.ActorID)
	fmt.Println(plaintext)
	fmt.Fprintln(os.Stderr, "store this key now, it cannot be shown again")
}

func runKeysList(args []string) {
	fs := pflag.NewFlagSet("keys list", pflag.ExitOnError)
	dbPath := dbFlag(fs)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	keys, err := store.ListAPIKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(keys) == 0 {
		fmt.Println("no API keys")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTOR\tNAME\tPREFIX\tCREATED\tEXPIRES\tLAST USED")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.ActorID, k.Name, k.KeyPrefix, k.CreatedAt.Format(time.RFC3339), fmtTime(k.ExpiresAt), fmtTime(k.LastUsedAt))
	}
	tw.Flush()
}

func runKeysRevoke(args []string) {
	fs := pflag.NewFlagSet("keys revoke", pflag.ExitOnError)
	id := fs.String("id", "", "key id")
	dbPath := dbFlag(fs)
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	if err := store.RevokeAPIKey(*id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("revoked key %s\n", *id)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
