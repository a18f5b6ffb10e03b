// Package corestate wires the three components together: the cache
// connection manager, the distributed lock service, and the data sync
// engine, as the single facade a game server process constructs once at
// startup and closes once at shutdown.
package corestate

import (
	"context"
	"fmt"

	"github.com/avalonforge/corestate/cacheconn"
	"github.com/avalonforge/corestate/datasync"
	"github.com/avalonforge/corestate/distlock"
	"github.com/avalonforge/corestate/persistence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config bundles the per-component configuration for a single corestate
// instance.
type Config struct {
	AppName string

	CacheConn cacheconn.Config
	DistLock  distlock.Config
	DataSync  datasync.Config

	// DataSyncDatabase is the logical database index (per GetDatabase) the
	// sync engine's cache reads/writes are issued against. 0 uses the
	// connection manager's default database.
	DataSyncDatabase int
}

// State is the constructed, ready-to-use bundle of all three components.
type State struct {
	Conn *cacheconn.Manager
	Lock *distlock.Service
	Sync *datasync.Engine
}

// New constructs the cache connection manager, the distributed lock
// service, and the data sync engine, in that order. The lock service and
// sync engine are handed connection providers backed by the manager's own
// GetConnection/GetDatabase rather than a single fixed client, so when the
// manager's health-check loop invalidates and rebuilds the shared
// connection, both collaborators pick up the fresh handle on their very
// next operation instead of being pinned to a handle the manager has since
// closed. If any step fails the already-constructed components are closed
// before returning the error.
func New(cfg Config, store persistence.Store, registerer prometheus.Registerer) (*State, error) {
	conn, err := cacheconn.New(cfg.AppName, cfg.CacheConn, registerer)
	if err != nil {
		return nil, fmt.Errorf("corestate: cache connection manager: %w", err)
	}

	ctx := context.Background()
	if _, err := conn.GetConnection(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("corestate: initial cache connection failed: %w", err)
	}

	lockProvider := distlock.ConnProvider(func(ctx context.Context) (distlock.Client, error) {
		return conn.GetConnection(ctx)
	})
	lock, err := distlock.New(cfg.AppName, cfg.DistLock, lockProvider, registerer)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("corestate: distributed lock service: %w", err)
	}

	syncProvider := datasync.ConnProvider(func(ctx context.Context) (datasync.CacheClient, error) {
		if cfg.DataSyncDatabase == 0 {
			return conn.GetConnection(ctx)
		}
		return conn.GetDatabase(ctx, cfg.DataSyncDatabase)
	})
	sync, err := datasync.NewEngine(cfg.AppName, cfg.DataSync, syncProvider, store, registerer)
	if err != nil {
		_ = lock.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("corestate: data sync engine: %w", err)
	}

	return &State{Conn: conn, Lock: lock, Sync: sync}, nil
}

// Close shuts the three components down in dependency order: the lock
// service first (so every outstanding lock gets a chance to release within
// its bounded wait while the connection is still live), then the sync
// engine (a final flush of the write-behind queue), and finally the
// connection manager itself. Errors from each step are logged and
// collected; Close always attempts every step regardless of earlier
// failures.
func (s *State) Close(ctx context.Context) error {
	var errs []error

	if err := s.Lock.Close(); err != nil {
		log.Error().Err(err).Msg("corestate: distributed lock service shutdown failed")
		errs = append(errs, err)
	}
	if err := s.Sync.Close(ctx); err != nil {
		log.Error().Err(err).Msg("corestate: data sync engine shutdown failed")
		errs = append(errs, err)
	}
	if err := s.Conn.Close(); err != nil {
		log.Error().Err(err).Msg("corestate: cache connection manager shutdown failed")
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("corestate: shutdown encountered %d error(s): %w", len(errs), errs[0])
}
