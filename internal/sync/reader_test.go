package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/snapshot"
	"github.com/marcus/offsync/internal/syncclient"
)

type fakeGetter struct {
	calls atomic.Int32
	data  json.RawMessage
	err   error
	gate  chan struct{}
}

func (g *fakeGetter) Get(ctx context.Context, path string) (json.RawMessage, error) {
	g.calls.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	return g.data, g.err
}

func newTestReader(g Getter) (*Reader, *snapshot.Memory, *connectivity.Monitor) {
	snaps := snapshot.NewMemory()
	mon := connectivity.New(connectivity.Options{Logger: discardLogger()})
	return NewReader(g, snaps, mon, discardLogger()), snaps, mon
}

func TestRead_LiveSavesSnapshot(t *testing.T) {
	g := &fakeGetter{data: json.RawMessage(`{"id":"r1"}`)}
	r, snaps, _ := newTestReader(g)

	res, err := r.Read(context.Background(), "record:r1", "/records/r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Stale || string(res.Data) != `{"id":"r1"}` {
		t.Errorf("got %+v, want fresh data", res)
	}
	e, err := snaps.Read(context.Background(), "record:r1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if string(e.Payload) != `{"id":"r1"}` {
		t.Errorf("snapshot payload: got %s", e.Payload)
	}
}

func TestRead_NetworkFallsBackToSnapshot(t *testing.T) {
	g := &fakeGetter{err: errTimeout}
	r, snaps, mon := newTestReader(g)
	snaps.Save(context.Background(), "/records", json.RawMessage(`[{"id":"old"}]`))

	res, err := r.Read(context.Background(), "", "/records")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.Stale || string(res.Data) != `[{"id":"old"}]` {
		t.Errorf("got %+v, want stale snapshot", res)
	}
	if res.SavedAt.IsZero() {
		t.Error("stale result should carry saved_at")
	}
	if mon.Online() {
		t.Error("network failure should mark the monitor offline")
	}
}

func TestRead_NetworkWithoutSnapshot(t *testing.T) {
	g := &fakeGetter{err: errTimeout}
	r, _, _ := newTestReader(g)

	_, err := r.Read(context.Background(), "k", "/records")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want original network error", err)
	}
}

func TestRead_RejectedNotMasked(t *testing.T) {
	g := &fakeGetter{err: &syncclient.StatusError{Status: http.StatusForbidden}}
	r, snaps, _ := newTestReader(g)
	snaps.Save(context.Background(), "k", json.RawMessage(`{}`))

	_, err := r.Read(context.Background(), "k", "/records/r1")
	if !errors.Is(err, syncclient.ErrForbidden) {
		t.Errorf("got %v, want forbidden", err)
	}
}

func TestRead_SharesConcurrentFetch(t *testing.T) {
	g := &fakeGetter{data: json.RawMessage(`{}`), gate: make(chan struct{})}
	r, _, _ := newTestReader(g)

	var wg stdsync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Read(context.Background(), "k", "/records"); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(g.gate)
	wg.Wait()

	if got := g.calls.Load(); got != 1 {
		t.Errorf("live fetches: got %d, want 1", got)
	}
}

// ctxGetter blocks until gate closes or its context ends.
type ctxGetter struct {
	gate chan struct{}
	data json.RawMessage
}

func (g *ctxGetter) Get(ctx context.Context, path string) (json.RawMessage, error) {
	select {
	case <-g.gate:
		return g.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRead_CancelledCallerDoesNotFailOthers(t *testing.T) {
	g := &ctxGetter{gate: make(chan struct{}), data: json.RawMessage(`{"v":"live"}`)}
	r, snaps, _ := newTestReader(g)
	snaps.Save(context.Background(), "k", json.RawMessage(`{"v":"old"}`))

	ctxA, cancelA := context.WithCancel(context.Background())
	type outcome struct {
		res ReadResult
		err error
	}
	a := make(chan outcome, 1)
	b := make(chan outcome, 1)
	go func() {
		res, err := r.Read(ctxA, "k", "/records/x")
		a <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		res, err := r.Read(context.Background(), "k", "/records/x")
		b <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	gotA := <-a
	if gotA.err != nil || !gotA.res.Stale || string(gotA.res.Data) != `{"v":"old"}` {
		t.Errorf("cancelled caller: got %+v, err %v, want stale snapshot", gotA.res, gotA.err)
	}

	close(g.gate)
	gotB := <-b
	if gotB.err != nil {
		t.Fatalf("uncancelled caller: %v", gotB.err)
	}
	if gotB.res.Stale || string(gotB.res.Data) != `{"v":"live"}` {
		t.Errorf("uncancelled caller: got %+v, want live data", gotB.res)
	}
}

func TestRead_CancelledCallerWithoutSnapshot(t *testing.T) {
	g := &ctxGetter{gate: make(chan struct{})}
	defer close(g.gate)
	r, _, _ := newTestReader(g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Read(ctx, "k", "/records/x"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
