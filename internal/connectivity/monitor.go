// Package connectivity tracks whether the server is reachable and turns
// reconnects and periodic ticks into drain triggers.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default intervals.
const (
	DefaultTickInterval  = 60 * time.Second
	DefaultProbeInterval = 15 * time.Second
)

// Trigger names why a drain was requested.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerTick      Trigger = "tick"
	TriggerReconnect Trigger = "reconnect"
	TriggerManual    Trigger = "manual"
)

// Probe reports whether the server is reachable.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// Options configures a Monitor. Zero values use the defaults.
type Options struct {
	Probe         Probe
	TickInterval  time.Duration
	ProbeInterval time.Duration
	Logger        *slog.Logger
}

// Monitor holds the online flag and coalesces drain triggers. It starts
// online so the first sends are attempted.
type Monitor struct {
	mu     sync.RWMutex
	online bool

	triggers chan Trigger
	probe    Probe
	tick     time.Duration
	probeInt time.Duration
	logger   *slog.Logger
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		online:   true,
		triggers: make(chan Trigger, 1),
		probe:    opts.Probe,
		tick:     opts.TickInterval,
		probeInt: opts.ProbeInterval,
		logger:   opts.Logger,
	}
	if m.tick <= 0 {
		m.tick = DefaultTickInterval
	}
	if m.probeInt <= 0 {
		m.probeInt = DefaultProbeInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Online reports the last known reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records reachability. An offline to online transition requests
// a reconnect drain.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if was == online {
		return
	}
	m.logger.Debug("connectivity changed", "online", online)
	if online {
		m.Notify(TriggerReconnect)
	}
}

// Notify requests a drain. If one is already pending the request is
// dropped; the pending one covers it.
func (m *Monitor) Notify(t Trigger) {
	select {
	case m.triggers <- t:
	default:
	}
}

// Run calls fn once at start, on every trigger and on every tick until ctx
// is cancelled. fn is never called concurrently with itself.
func (m *Monitor) Run(ctx context.Context, fn func(context.Context, Trigger)) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.probe != nil {
		g.Go(func() error {
			m.probeLoop(ctx)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()

		fn(ctx, TriggerStart)
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-m.triggers:
				fn(ctx, t)
			case <-ticker.C:
				fn(ctx, TriggerTick)
			}
		}
	})

	return g.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.probeInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe.Reachable(ctx))
		}
	}
}
