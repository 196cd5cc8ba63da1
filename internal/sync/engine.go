package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/mutation"
	"github.com/marcus/offsync/internal/outbox"
	"github.com/marcus/offsync/internal/transport"
)

// Options configures an Engine. Outbox and Sender are required.
type Options struct {
	Outbox       outbox.Store
	Sender       transport.Sender
	Connectivity Connectivity     // nil: always-online monitor
	Catalog      mutation.Catalog // nil: mutation.DefaultCatalog()
	Locker       Locker           // optional cross-process drain lock
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine submits mutations and drains the outbox. At most one drain runs
// per engine at a time.
type Engine struct {
	outbox  outbox.Store
	sender  transport.Sender
	conn    Connectivity
	catalog mutation.Catalog
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time

	draining atomic.Bool
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Outbox == nil {
		return nil, errors.New("engine: outbox is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("engine: sender is required")
	}
	e := &Engine{
		outbox:  opts.Outbox,
		sender:  opts.Sender,
		conn:    opts.Connectivity,
		catalog: opts.Catalog,
		locker:  opts.Locker,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.conn == nil {
		e.conn = connectivity.New(connectivity.Options{Logger: e.logger})
	}
	if e.catalog == nil {
		e.catalog = mutation.DefaultCatalog()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Submit validates sub and makes one delivery attempt. A network failure
// queues the mutation and reports Queued. If the outbox already holds
// records the mutation is queued behind them without a send, so the
// server sees mutations in submission order.
func (e *Engine) Submit(ctx context.Context, sub mutation.Submission) (SubmitResult, error) {
	sub = e.catalog.Normalize(sub)
	if err := e.catalog.Validate(sub); err != nil {
		return SubmitResult{}, err
	}
	rec := sub.Record(e.now())

	pending, err := e.outbox.Count(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("count outbox: %w", err)
	}
	if pending > 0 {
		e.logger.Debug("outbox not empty, queueing behind pending", "pending", pending, "key", rec.IdempotencyKey)
		return e.enqueue(ctx, rec)
	}

	class, err := e.deliver(ctx, &rec)
	switch class {
	case transport.ClassApplied:
		return SubmitResult{Record: rec}, nil
	case transport.ClassNetwork:
		e.logger.Info("send failed, queued", "key", rec.IdempotencyKey, "err", err)
		return e.enqueue(ctx, rec)
	}
	return SubmitResult{}, err
}

func (e *Engine) enqueue(ctx context.Context, rec mutation.Record) (SubmitResult, error) {
	if err := e.outbox.Enqueue(ctx, &rec); err != nil {
		return SubmitResult{}, fmt.Errorf("queue mutation: %w", err)
	}
	return SubmitResult{Queued: true, Record: rec}, nil
}

// Drain replays the outbox in order until it is empty or an attempt fails.
// Records enqueued while the pass runs wait for the next call. A call made
// while another drain is running returns immediately with Skipped set. The
// error is non-nil only for storage failures; delivery failures that need
// attention are reported in Blocked.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return e.skipped(ctx)
	}
	defer e.draining.Store(false)

	if e.locker != nil {
		unlock, ok, err := e.locker.TryLock()
		if err != nil {
			return DrainResult{}, fmt.Errorf("acquire drain lock: %w", err)
		}
		if !ok {
			e.logger.Debug("drain lock held by another process")
			return e.skipped(ctx)
		}
		defer unlock()
	}

	records, err := e.outbox.List(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list outbox: %w", err)
	}

	var res DrainResult
	for i := range records {
		rec := &records[i]

		class, err := e.deliver(ctx, rec)
		if class == transport.ClassApplied {
			if err := e.outbox.Remove(ctx, rec.ID); err != nil {
				return res, fmt.Errorf("remove delivered record: %w", err)
			}
			res.Synced++
			continue
		}
		if class == transport.ClassNetwork {
			e.logger.Debug("drain paused", "id", rec.ID, "err", err)
			break
		}
		e.logger.Warn("drain blocked", "id", rec.ID, "key", rec.IdempotencyKey, "class", class, "err", err)
		res.Blocked = err
		break
	}

	res.Remaining, err = e.outbox.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("count outbox: %w", err)
	}
	if res.Synced > 0 {
		e.logger.Info("drain complete", "synced", res.Synced, "remaining", res.Remaining)
	}
	return res, nil
}

func (e *Engine) skipped(ctx context.Context) (DrainResult, error) {
	n, err := e.outbox.Count(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("count outbox: %w", err)
	}
	return DrainResult{Remaining: n, Skipped: true}, nil
}

// deliver sends rec and, on conflict, resends once with overwrite. It
// returns the final class; any error other than a network one is a
// *DeliveryError.
func (e *Engine) deliver(ctx context.Context, rec *mutation.Record) (transport.Class, error) {
	if err := e.catalog.ValidateRecord(*rec); err != nil {
		return transport.ClassRejected, &DeliveryError{Class: transport.ClassRejected, Record: *rec, Err: err}
	}

	err := e.sender.Send(ctx, rec, false)
	class := e.observe(ctx, err)
	switch class {
	case transport.ClassApplied:
		return class, nil
	case transport.ClassNetwork:
		return class, err
	case transport.ClassRejected:
		return class, &DeliveryError{Class: class, Record: *rec, Err: err}
	}

	e.logger.Info("conflict, resending with overwrite", "key", rec.IdempotencyKey, "err", err)
	err = e.sender.Send(ctx, rec, true)
	class = e.observe(ctx, err)
	switch class {
	case transport.ClassApplied:
		return class, nil
	case transport.ClassNetwork:
		return class, err
	}
	return class, &DeliveryError{Class: class, Record: *rec, Resent: true, Err: err}
}

// observe classifies err and feeds the result back to the monitor. A
// cancelled context counts as network so the record is kept.
func (e *Engine) observe(ctx context.Context, err error) transport.Class {
	if err != nil && ctx.Err() != nil {
		return transport.ClassNetwork
	}
	return observe(e.conn, err)
}

func observe(conn Connectivity, err error) transport.Class {
	class := transport.Classify(err, conn.Online())
	live := transport.Classify(err, true)
	switch {
	case live == transport.ClassNetwork:
		conn.SetOnline(false)
	case err == nil || transport.IsHTTPResponse(err):
		conn.SetOnline(true)
	}
	return class
}

// PendingCount returns the number of queued mutations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	n, err := e.outbox.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Pending lists queued mutations in drain order.
func (e *Engine) Pending(ctx context.Context) ([]mutation.Record, error) {
	records, err := e.outbox.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return records, nil
}

// Discard drops a queued mutation without sending it. It is the manual way
// past a record that blocks the drain.
func (e *Engine) Discard(ctx context.Context, id int64) error {
	if e.draining.Load() {
		return errors.New("discard: drain in progress")
	}
	if err := e.outbox.Remove(ctx, id); err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	e.logger.Info("discarded queued mutation", "id", id)
	return nil
}

// Draining reports whether a drain pass is running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}
