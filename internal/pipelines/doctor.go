package pipelines

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Prober reports detector capabilities.
type Prober interface {
	Probe(ctx context.Context) (*Capabilities, error)
}

// CachedProbe wraps a Prober so health checks do not spawn a subprocess
// on every request.
type CachedProbe struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedProbe creates a caching wrapper around detector probes.
func NewCachedProbe(prober Prober, logger *slog.Logger) *CachedProbe {
	return &CachedProbe{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// TTL is how long a probe result stays fresh.
func (c *CachedProbe) TTL() time.Duration { return c.ttl }

// Get returns cached capabilities if fresh, otherwise re-probes.
func (c *CachedProbe) Get(ctx context.Context) (*Capabilities, error) {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cached.ProbedAt) < c.ttl {
		caps := c.cached
		c.mu.RUnlock()
		return caps, nil
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Peek returns the last successful probe without probing, or nil.
func (c *CachedProbe) Peek() *Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (c *CachedProbe) Refresh(ctx context.Context) (*Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps, err := c.prober.Probe(ctx)
	if err != nil {
		c.logger.Warn("detector probe failed", "error", err)
		if c.cached != nil {
			c.logger.Info("returning stale capabilities cache")
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = caps
	return caps, nil
}
