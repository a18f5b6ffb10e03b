// Package cacheconn implements the resilient cache connection manager
// (component A): one shared, lazily-built RESP2 connection multiplexed
// across logical databases, with a health-check loop that invalidates the
// connection on failure; the next GetConnection/GetDatabase call rebuilds
// it, so collaborators that re-request it observe the fresh handle
// automatically.
package cacheconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avalonforge/corestate/internal/xclock"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/avalonforge/corestate/cacheconn")

// Conn is the handle vended by GetConnection/GetDatabase. It is satisfied
// by *redis.Client, which in turn satisfies the RESP2 capability set this
// package depends on (ping, get, set-nx-px, del, expire, eval).
type Conn = *redis.Client

// Manager owns the single shared connection and the per-database clients
// derived from it. All methods are safe for concurrent use.
//
// The current connection is held in connPtr so GetConnection's common case
// (an already-healthy connection) is a lock-free atomic read; mu is only
// taken on the rebuild path, where it also serializes against the
// health-check loop's own invalidation so the two never race on dbs.
type Manager struct {
	cfg Config

	appName string

	mu      sync.Mutex
	connPtr atomic.Pointer[redis.Client]
	healthy atomic.Bool
	dbs     sync.Map // map[int]Conn
	dbGroup singleflight.Group

	disposed atomic.Bool

	healthStop chan struct{}
	healthDone chan struct{}

	metrics *connMetrics
}

// New validates cfg and returns a Manager with no connection yet built; the
// connection is constructed lazily on first GetConnection/GetDatabase call,
// exactly as specified.
func New(appName string, cfg Config, registerer prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Msgf("cacheconn: configured with %s", cfg.maskedDescription())

	m := &Manager{
		cfg:     cfg,
		appName: appName,
		metrics: newConnMetrics(appName, registerer),
	}
	if cfg.EnableHealthCheck {
		m.healthStop = make(chan struct{})
		m.healthDone = make(chan struct{})
		go m.healthCheckLoop()
	}
	return m, nil
}

// GetConnection returns the shared connection, building it on first use (or
// after a health-check invalidation) under double-checked locking. The
// healthy case never takes mu.
func (m *Manager) GetConnection(ctx context.Context) (Conn, error) {
	if m.disposed.Load() {
		return nil, ErrDisposed
	}
	if c := m.connPtr.Load(); c != nil && m.healthy.Load() {
		return c, nil
	}

	ctx, span := tracer.Start(ctx, "cacheconn.GetConnection")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.connPtr.Load(); c != nil && m.healthy.Load() {
		return c, nil
	}
	return m.rebuildLocked(ctx)
}

// rebuildLocked disposes any stale handle and builds a fresh one. Callers
// must hold m.mu.
func (m *Manager) rebuildLocked(ctx context.Context) (Conn, error) {
	if old := m.connPtr.Swap(nil); old != nil {
		_ = old.Close()
		m.dbs = sync.Map{}
	}

	m.metrics.connectAttempts.Inc()
	started := xclock.Now()

	opts := &redis.Options{
		Addr:         m.cfg.Endpoints[0],
		Password:     m.cfg.Password,
		DB:           m.cfg.DefaultDatabase,
		DialTimeout:  m.cfg.ConnectTimeout,
		ReadTimeout:  m.cfg.SyncTimeout,
		WriteTimeout: m.cfg.SyncTimeout,
		MaxRetries:   m.cfg.RetryCount,
	}
	if m.cfg.EnableSSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverNameFor(m.cfg.Endpoints[0])}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		m.metrics.connectFailures.Inc()
		log.Error().Err(err).Msgf("cacheconn: failed to connect to %s", m.cfg.Endpoints[0])
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.metrics.connectLatency.Observe(float64(xclock.Now().Sub(started).Milliseconds()))
	m.connPtr.Store(client)
	m.healthy.Store(true)
	log.Info().Msgf("cacheconn: connection established to %s", m.cfg.Endpoints[0])
	return client, nil
}

// serverNameFor strips a trailing ":port" so the TLS ServerName is just the
// host, matching what redis.Options.TLSConfig expects for SNI validation.
func serverNameFor(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			return endpoint[:i]
		}
	}
	return endpoint
}

// GetDatabase returns the client bound to logical database index, building
// it exactly once per connection generation. Construction for a given index
// is deduplicated with singleflight so concurrent first callers do not race
// to build redundant clients.
func (m *Manager) GetDatabase(ctx context.Context, index int) (Conn, error) {
	if m.disposed.Load() {
		return nil, ErrDisposed
	}
	base, err := m.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := m.dbs.Load(index); ok {
		return v.(Conn), nil
	}

	key := fmt.Sprintf("db:%d", index)
	v, err, _ := m.dbGroup.Do(key, func() (interface{}, error) {
		if cached, ok := m.dbs.Load(index); ok {
			return cached, nil
		}
		opts := base.Options().Clone()
		opts.DB = index
		client := redis.NewClient(opts)
		m.dbs.Store(index, Conn(client))
		return Conn(client), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (m *Manager) healthCheckLoop() {
	defer close(m.healthDone)
	interval := time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.healthStop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	conn := m.connPtr.Load()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "cacheconn.healthCheck", trace.WithAttributes())
	defer span.End()

	err := conn.Ping(ctx).Err()
	wasHealthy := m.healthy.Load()
	if err != nil {
		m.metrics.healthCheckFail.Inc()
		if wasHealthy {
			log.Warn().Err(err).Msgf("cacheconn: health check failed against %s", m.cfg.Endpoints[0])
		}
		m.mu.Lock()
		if old := m.connPtr.Swap(nil); old != nil {
			_ = old.Close()
			m.dbs = sync.Map{}
		}
		m.mu.Unlock()
		m.healthy.Store(false)
		return
	}
	if !wasHealthy {
		m.metrics.restored.Inc()
		log.Info().Msgf("cacheconn: connection restored to %s", m.cfg.Endpoints[0])
	}
	m.healthy.Store(true)
}

// Close disposes the health-check loop (if any) and the shared connection.
// Idempotent.
func (m *Manager) Close() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if m.healthStop != nil {
		close(m.healthStop)
		<-m.healthDone
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if old := m.connPtr.Swap(nil); old != nil {
		err = old.Close()
	}
	m.dbs = sync.Map{}
	return err
}
