package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
)

// ErrConnectionTimeout is returned when a provider's pool stays exhausted
// past the acquire wait timeout.
var ErrConnectionTimeout = errors.New("timed out waiting for a pooled connection")

// ErrPoolClosed is returned by Acquire after the pool has been shut down.
var ErrPoolClosed = errors.New("connection pool is closed")

const (
	// errorEvictionThreshold evicts a connection on release once its
	// cumulative error count exceeds this value.
	errorEvictionThreshold = 5

	// pollInterval is how often a blocked Acquire rechecks the pool
	pollInterval = 100 * time.Millisecond
)

// Connection is a reusable per-provider handle
type Connection struct {
	ID       string
	Provider string
	InUse    bool
	LastUsed time.Time
	Requests int
	Errors   int
}

// ProviderStats summarizes one provider's pool
type ProviderStats struct {
	Total     int
	InUse     int
	Available int
	Requests  int
	Errors    int
}

// Config tunes pool behavior; zero values fall back to defaults
type Config struct {
	MaxConnectionsPerProvider int
	IdleTimeout               time.Duration
	HealthCheckInterval       time.Duration
	AcquireTimeout            time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConnectionsPerProvider < 1 {
		out.MaxConnectionsPerProvider = 5
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Second
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 60 * time.Second
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 10 * time.Second
	}
	return out
}

// Pool manages bounded per-provider sets of reusable connection handles
// with periodic health sweeping of idle entries.
type Pool struct {
	mu     sync.Mutex
	conns  map[string][]*Connection
	config Config
	cron   *cron.Cron
	closed bool
	logger arbor.ILogger
}

// New creates a pool and starts its periodic health sweep
func New(config Config, logger arbor.ILogger) *Pool {
	p := &Pool{
		conns:  make(map[string][]*Connection),
		config: config.withDefaults(),
		cron:   cron.New(),
		logger: logger,
	}

	spec := fmt.Sprintf("@every %s", p.config.HealthCheckInterval)
	if _, err := p.cron.AddFunc(spec, p.sweep); err != nil {
		logger.Error().Err(err).Str("spec", spec).Msg("Failed to schedule pool health sweep")
	}
	p.cron.Start()

	return p
}

// Acquire returns a free healthy connection for the provider, creating one
// lazily while the pool is below capacity. When the pool is exhausted it
// polls until a connection frees or the wait timeout elapses.
func (p *Pool) Acquire(ctx context.Context, provider string) (*Connection, error) {
	deadline := time.Now().Add(p.config.AcquireTimeout)

	for {
		conn, err := p.tryAcquire(provider)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}

		if time.Now().After(deadline) {
			p.logger.Warn().
				Str("provider", provider).
				Dur("waited", p.config.AcquireTimeout).
				Msg("Connection pool exhausted")
			return nil, fmt.Errorf("provider %s: %w", provider, ErrConnectionTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *Pool) tryAcquire(provider string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	now := time.Now()
	kept := p.conns[provider][:0]
	var found *Connection
	for _, conn := range p.conns[provider] {
		if !conn.InUse && now.Sub(conn.LastUsed) >= p.config.IdleTimeout {
			// Stale free connection; drop it so it does not hold a cap slot
			continue
		}
		kept = append(kept, conn)
		if found == nil && !conn.InUse {
			found = conn
		}
	}
	p.conns[provider] = kept
	if found != nil {
		found.InUse = true
		return found, nil
	}

	if len(p.conns[provider]) < p.config.MaxConnectionsPerProvider {
		conn := &Connection{
			ID:       common.NewConnectionID(),
			Provider: provider,
			InUse:    true,
			LastUsed: now,
		}
		p.conns[provider] = append(p.conns[provider], conn)
		p.logger.Debug().
			Str("connection_id", conn.ID).
			Str("provider", provider).
			Int("pool_size", len(p.conns[provider])).
			Msg("Created pooled connection")
		return conn, nil
	}

	return nil, nil
}

// Release returns a connection to the pool. hadError increments the error
// counter; connections past the error threshold are evicted instead of
// being returned.
func (p *Pool) Release(connectionID string, hadError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for provider, conns := range p.conns {
		for i, conn := range conns {
			if conn.ID != connectionID {
				continue
			}

			conn.InUse = false
			conn.LastUsed = time.Now()
			conn.Requests++
			if hadError {
				conn.Errors++
			}

			if conn.Errors > errorEvictionThreshold {
				p.conns[provider] = append(conns[:i], conns[i+1:]...)
				p.logger.Info().
					Str("connection_id", conn.ID).
					Str("provider", provider).
					Int("errors", conn.Errors).
					Msg("Evicted connection past error threshold")
			}
			return
		}
	}
}

// sweep removes connections idle beyond the idle timeout. Evictions are
// logged, not surfaced.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0
	for provider, conns := range p.conns {
		kept := conns[:0]
		for _, conn := range conns {
			if !conn.InUse && now.Sub(conn.LastUsed) > p.config.IdleTimeout {
				removed++
				continue
			}
			kept = append(kept, conn)
		}
		p.conns[provider] = kept
	}

	if removed > 0 {
		p.logger.Debug().Int("removed", removed).Msg("Health sweep removed idle connections")
	}
}

// Stats reports per-provider pool usage
func (p *Pool) Stats() map[string]ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]ProviderStats, len(p.conns))
	for provider, conns := range p.conns {
		s := ProviderStats{Total: len(conns)}
		for _, conn := range conns {
			if conn.InUse {
				s.InUse++
			} else {
				s.Available++
			}
			s.Requests += conn.Requests
			s.Errors += conn.Errors
		}
		stats[provider] = s
	}
	return stats
}

// Close stops the health sweep and drops all connections
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.conns = make(map[string][]*Connection)
	p.mu.Unlock()

	ctx := p.cron.Stop()
	<-ctx.Done()
}
