package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marcus/offsync/internal/snapshot"
	"github.com/marcus/offsync/internal/transport"
)

// Getter fetches a resource from the server.
type Getter interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Reader reads resources live and falls back to the last saved snapshot
// when the server is unreachable.
type Reader struct {
	getter    Getter
	snapshots snapshot.Store
	conn      Connectivity
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewReader creates a Reader. conn and logger may be nil.
func NewReader(getter Getter, snapshots snapshot.Store, conn Connectivity, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	if conn == nil {
		conn = alwaysOnline{}
	}
	return &Reader{getter: getter, snapshots: snapshots, conn: conn, logger: logger, now: time.Now}
}

// Read fetches path and stores the result under key. On a network failure
// it returns the snapshot for key with Stale set, or the original error if
// there is none. Other errors are returned as is. key defaults to path.
//
// Concurrent reads of the same key and path share one fetch. The shared
// fetch is not bound to any one caller's context; a caller whose context
// ends stops waiting and is served as if the server were unreachable.
func (r *Reader) Read(ctx context.Context, key, path string) (ReadResult, error) {
	if key == "" {
		key = path
	}

	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key+"\x00"+path, func() (any, error) {
		return r.getter.Get(shared, path)
	})

	var (
		v     any
		err   error
		class transport.Class
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
		class = observe(r.conn, err)
	case <-ctx.Done():
		err = ctx.Err()
		class = transport.ClassNetwork
	}

	if err == nil {
		data := v.(json.RawMessage)
		if serr := r.snapshots.Save(shared, key, data); serr != nil {
			r.logger.Warn("save snapshot", "key", key, "err", serr)
		}
		return ReadResult{Data: data, SavedAt: r.now().UTC()}, nil
	}
	if ctx.Err() != nil {
		class = transport.ClassNetwork
	}
	if class != transport.ClassNetwork {
		return ReadResult{}, err
	}

	entry, serr := r.snapshots.Read(shared, key)
	if serr != nil {
		if !errors.Is(serr, snapshot.ErrMissing) {
			r.logger.Warn("read snapshot", "key", key, "err", serr)
		}
		return ReadResult{}, err
	}
	r.logger.Debug("serving stale snapshot", "key", key, "saved_at", entry.SavedAt, "err", err)
	return ReadResult{Data: entry.Payload, Stale: true, SavedAt: entry.SavedAt}, nil
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool   { return true }
func (alwaysOnline) SetOnline(bool) {}
