// Package syncharness runs offsync clients against an in-process server
// over a simulated network that can go offline or lose responses.
package syncharness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/marcus/offsync/internal/api"
	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/outbox"
	"github.com/marcus/offsync/internal/serverdb"
	"github.com/marcus/offsync/internal/snapshot"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/marcus/offsync/internal/syncclient"
	"github.com/marcus/offsync/internal/transport"
)

// Network is an http.RoundTripper between one client and the server.
type Network struct {
	base http.RoundTripper

	mu      sync.Mutex
	offline bool
	drop    int // responses to lose after the server handled the request

	Requests atomic.Int64 // requests that reached the server
}

// SetOffline makes every request fail with connection refused.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// DropResponses loses the next count responses: the server applies the
// request but the client sees a reset connection.
func (n *Network) DropResponses(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = count
}

func (n *Network) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	offline := n.offline
	n.mu.Unlock()
	if offline {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}

	resp, err := n.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	n.Requests.Add(1)

	n.mu.Lock()
	lose := n.drop > 0
	if lose {
		n.drop--
	}
	n.mu.Unlock()
	if lose {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, io.ErrUnexpectedEOF
	}
	return resp, nil
}

// Client is one offsync client with its own outbox and network.
type Client struct {
	ID        string
	Net       *Network
	Outbox    outbox.Store
	Snapshots snapshot.Store
	Monitor   *connectivity.Monitor
	Engine    *offsync.Engine
	Reader    *offsync.Reader
}

// Harness is a server plus any number of clients.
type Harness struct {
	t       *testing.T
	Store   *serverdb.ServerDB
	BaseURL string
	Clients map[string]*Client
	httpSrv *httptest.Server
}

// NewHarness starts a server backed by a fresh SQLite database. The
// idempotency cache lives in the same database.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.Config{
		IdempotencyTTL: time.Minute,
		RateLimitWrite: 100000,
		RateLimitRead:  100000,
	}, store, store.IdempotencyCache())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())

	h := &Harness{
		t:       t,
		Store:   store,
		BaseURL: httpSrv.URL,
		Clients: make(map[string]*Client),
		httpSrv: httpSrv,
	}
	t.Cleanup(func() {
		httpSrv.Close()
		store.Close()
	})
	return h
}

// AddClient adds a client. With persistent set the outbox and snapshots
// live in a SQLite file, otherwise in memory. The token authenticates the
// client as its own dev-mode actor.
func (h *Harness) AddClient(id string, persistent bool) *Client {
	h.t.Helper()

	c := &Client{ID: id, Net: &Network{base: http.DefaultTransport}}
	if persistent {
		path := filepath.Join(h.t.TempDir(), id+".db")
		database, err := db.Open(path)
		if err != nil {
			h.t.Fatalf("open %s outbox: %v", id, err)
		}
		h.t.Cleanup(func() { database.Close() })
		c.Outbox = outbox.NewSQLite(database)
		c.Snapshots = snapshot.NewSQLite(database)
	} else {
		c.Outbox = outbox.NewMemory()
		c.Snapshots = snapshot.NewMemory()
	}

	client := syncclient.New(h.BaseURL+"/v1", "token-"+id, 5*time.Second)
	client.HTTP.Transport = c.Net

	logger := slog.Default().With("client", id)
	c.Monitor = connectivity.New(connectivity.Options{
		Probe:         &connectivity.HTTPProbe{Client: client},
		TickInterval:  time.Hour,
		ProbeInterval: 20 * time.Millisecond,
		Logger:        logger,
	})
	engine, err := offsync.New(offsync.Options{
		Outbox:       c.Outbox,
		Sender:       transport.NewHTTP(client),
		Connectivity: c.Monitor,
		Logger:       logger,
	})
	if err != nil {
		h.t.Fatalf("new engine: %v", err)
	}
	c.Engine = engine
	c.Reader = offsync.NewReader(client, c.Snapshots, c.Monitor, logger)

	h.Clients[id] = c
	return c
}

// Record returns the server's copy of collection/id decoded as a map, or
// nil when it does not exist.
func (h *Harness) Record(collection, id string) map[string]any {
	h.t.Helper()
	rec, err := h.Store.GetRecord(context.Background(), collection, id)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		h.t.Fatalf("decode %s/%s: %v", collection, id, err)
	}
	return m
}

// Version returns the server version of collection/id, or 0.
func (h *Harness) Version(collection, id string) int64 {
	rec, err := h.Store.GetRecord(context.Background(), collection, id)
	if err != nil {
		return 0
	}
	return rec.Version
}

// Count returns the number of records in collection.
func (h *Harness) Count(collection string) int {
	h.t.Helper()
	recs, err := h.Store.ListRecords(context.Background(), collection, 0)
	if err != nil {
		h.t.Fatalf("list %s: %v", collection, err)
	}
	return len(recs)
}

// AssertDrained fails unless every client's outbox is empty.
func (h *Harness) AssertDrained() {
	h.t.Helper()
	for id, c := range h.Clients {
		n, err := c.Outbox.Count(context.Background())
		if err != nil {
			h.t.Fatalf("%s: count outbox: %v", id, err)
		}
		if n != 0 {
			h.t.Errorf("%s: %d mutations still queued", id, n)
		}
	}
}
