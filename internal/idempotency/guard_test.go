package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counter(status int) (func(context.Context) Response, *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) Response {
		c := n.Add(1)
		return Response{Status: status, Body: []byte(fmt.Sprintf(`{"n":%d}`, c)), ContentType: "application/json"}
	}, &n
}

func TestGuard_ReplaysWithoutReapplying(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusCreated)
	req := Request{ActorID: "u1", Key: "k1", Fingerprint: "fp"}

	first, replayed, err := g.Do(context.Background(), req, apply)
	if err != nil || replayed {
		t.Fatalf("first: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := g.Do(context.Background(), req, apply)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !replayed {
		t.Error("second call should be replayed")
	}
	if n.Load() != 1 {
		t.Errorf("applied %d times, want 1", n.Load())
	}
	if second.Status != first.Status || string(second.Body) != string(first.Body) || second.ContentType != first.ContentType {
		t.Errorf("replay differs: got %+v, want %+v", second, first)
	}
}

func TestGuard_OverwriteReapplies(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusOK)
	req := Request{ActorID: "u1", Key: "k1"}

	g.Do(context.Background(), req, apply)
	req.Overwrite = true
	resp, replayed, err := g.Do(context.Background(), req, apply)
	if err != nil || replayed {
		t.Fatalf("overwrite: replayed=%v err=%v", replayed, err)
	}
	if n.Load() != 2 {
		t.Errorf("applied %d times, want 2", n.Load())
	}

	req.Overwrite = false
	again, replayed, _ := g.Do(context.Background(), req, apply)
	if !replayed || string(again.Body) != string(resp.Body) {
		t.Errorf("stored response should be the overwrite result: got %s, want %s", again.Body, resp.Body)
	}
}

func TestGuard_EmptyKeyNotCached(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusOK)

	for i := 0; i < 3; i++ {
		if _, replayed, _ := g.Do(context.Background(), Request{ActorID: "u1"}, apply); replayed {
			t.Fatal("keyless request replayed")
		}
	}
	if n.Load() != 3 {
		t.Errorf("applied %d times, want 3", n.Load())
	}
}

func TestGuard_ServerErrorsNotCached(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusInternalServerError)
	req := Request{ActorID: "u1", Key: "k"}

	g.Do(context.Background(), req, apply)
	_, replayed, _ := g.Do(context.Background(), req, apply)
	if replayed || n.Load() != 2 {
		t.Errorf("5xx should not be replayed: replayed=%v applied=%d", replayed, n.Load())
	}
}

func TestGuard_ClientErrorsCached(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusConflict)
	req := Request{ActorID: "u1", Key: "k"}

	g.Do(context.Background(), req, apply)
	resp, replayed, _ := g.Do(context.Background(), req, apply)
	if !replayed || resp.Status != http.StatusConflict || n.Load() != 1 {
		t.Errorf("409 should be replayed: replayed=%v status=%d applied=%d", replayed, resp.Status, n.Load())
	}
}

func TestGuard_ActorsAreSeparate(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, n := counter(http.StatusOK)

	g.Do(context.Background(), Request{ActorID: "u1", Key: "same"}, apply)
	_, replayed, _ := g.Do(context.Background(), Request{ActorID: "u2", Key: "same"}, apply)
	if replayed || n.Load() != 2 {
		t.Errorf("different actors share a key: replayed=%v applied=%d", replayed, n.Load())
	}
}

func TestGuard_FingerprintMismatch(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	apply, _ := counter(http.StatusOK)

	g.Do(context.Background(), Request{ActorID: "u1", Key: "k", Fingerprint: Fingerprint("POST", "/v1/a", []byte(`{}`))}, apply)
	_, _, err := g.Do(context.Background(), Request{ActorID: "u1", Key: "k", Fingerprint: Fingerprint("POST", "/v1/b", []byte(`{}`))}, apply)
	if !errors.Is(err, ErrKeyReused) {
		t.Errorf("got %v, want ErrKeyReused", err)
	}
}

func TestGuard_Expiry(t *testing.T) {
	g := NewGuard(NewMemory(time.Hour), time.Minute, nil)
	now := time.Now()
	g.now = func() time.Time { return now }
	apply, n := counter(http.StatusOK)
	req := Request{ActorID: "u1", Key: "k"}

	g.Do(context.Background(), req, apply)
	now = now.Add(2 * time.Minute)
	_, replayed, _ := g.Do(context.Background(), req, apply)
	if replayed || n.Load() != 2 {
		t.Errorf("expired entry replayed: replayed=%v applied=%d", replayed, n.Load())
	}
}

func TestGuard_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	g := NewGuard(NewMemory(time.Minute), time.Minute, nil)
	var n atomic.Int32
	apply := func(context.Context) Response {
		n.Add(1)
		time.Sleep(5 * time.Millisecond)
		return Response{Status: http.StatusCreated}
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), Request{ActorID: "u1", Key: "race"}, apply)
		}()
	}
	wg.Wait()
	if n.Load() != 1 {
		t.Errorf("applied %d times, want 1", n.Load())
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string, string) (*Entry, error) {
	return nil, errors.New("backend down")
}
func (failingCache) Put(context.Context, string, string, Entry) error { return nil }

func TestGuard_LookupFailure(t *testing.T) {
	g := NewGuard(failingCache{}, time.Minute, nil)
	apply, n := counter(http.StatusOK)
	if _, _, err := g.Do(context.Background(), Request{ActorID: "u1", Key: "k"}, apply); err == nil {
		t.Fatal("expected lookup error")
	}
	if n.Load() != 0 {
		t.Error("apply should not run when the cache cannot be read")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("OFFSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OFFSYNC_TEST_REDIS_ADDR not set")
	}
	r := NewRedis(RedisOptions{Addr: addr, Prefix: fmt.Sprintf("offsync:test:%d:", time.Now().UnixNano()), TTL: time.Minute})
	defer r.Close()
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if e, err := r.Get(ctx, "u1", "k"); err != nil || e != nil {
		t.Fatalf("get missing: got %v, %v", e, err)
	}
	want := Entry{Status: 201, Body: []byte(`{"id":"r1"}`), ContentType: "application/json", Fingerprint: "fp",
		ExpiresAt: time.Now().Add(time.Minute)}
	if err := r.Put(ctx, "u1", "k", want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := r.Get(ctx, "u1", "k")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Status != want.Status || string(got.Body) != string(want.Body) || got.Fingerprint != want.Fingerprint {
		t.Errorf("got %+v, want %+v", got, want)
	}

	g := NewGuard(r, time.Minute, nil)
	apply, n := counter(http.StatusOK)
	g.Do(ctx, Request{ActorID: "u2", Key: "k"}, apply)
	if _, replayed, _ := g.Do(ctx, Request{ActorID: "u2", Key: "k"}, apply); !replayed || n.Load() != 1 {
		t.Errorf("redis-backed replay: replayed=%v applied=%d", replayed, n.Load())
	}
}
