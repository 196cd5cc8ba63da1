package connectivity

import (
	"context"
	"time"

	"github.com/marcus/offsync/internal/syncclient"
)

// HTTPProbe checks reachability with GET /healthz.
type HTTPProbe struct {
	Client  *syncclient.Client
	Timeout time.Duration
}

// Reachable reports whether the health check answered.
func (p *HTTPProbe) Reachable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.Client.HealthCheck(ctx)
	return err == nil
}
