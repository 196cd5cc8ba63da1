package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/offsync/internal/config"
	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/outbox"
	"github.com/marcus/offsync/internal/snapshot"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/marcus/offsync/internal/syncclient"
	"github.com/marcus/offsync/internal/transport"
)

// app is the client stack assembled from config.
type app struct {
	client  *syncclient.Client
	monitor *connectivity.Monitor
	engine  *offsync.Engine
	reader  *offsync.Reader
	outbox  outbox.Store
	storage string
	dbPath  string
	closers []func() error
}

// openApp wires the outbox, snapshot store, monitor and engine using the
// configured storage backend.
func openApp(logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{storage: config.GetStorage()}

	var (
		snapshots snapshot.Store
		locker    offsync.Locker
	)
	switch a.storage {
	case config.StorageMemory:
		a.outbox = outbox.NewMemory()
		snapshots = snapshot.NewMemory()
	default:
		path, err := config.GetDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve outbox path: %w", err)
		}
		database, err := db.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
		a.dbPath = path
		a.closers = append(a.closers, database.Close)
		a.outbox = outbox.NewSQLite(database)
		snapshots = snapshot.NewSQLite(database)
		locker = db.NewDrainLock(path)
	}

	a.client = syncclient.New(config.GetServerURL(), config.GetAPIKey(), config.GetHTTPTimeout())
	a.monitor = connectivity.New(connectivity.Options{
		Probe:         &connectivity.HTTPProbe{Client: a.client},
		TickInterval:  config.GetTickInterval(),
		ProbeInterval: config.GetProbeInterval(),
		Logger:        logger,
	})

	engine, err := offsync.New(offsync.Options{
		Outbox:       a.outbox,
		Sender:       transport.NewHTTP(a.client),
		Connectivity: a.monitor,
		Locker:       locker,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	a.reader = offsync.NewReader(a.client, snapshots, a.monitor, logger)
	return a, nil
}

// Close releases the outbox database.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
