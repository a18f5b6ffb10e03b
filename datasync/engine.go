// Package datasync implements the data sync engine (component D): the
// three canonical cache-coherence strategies — Write-Through, Write-Behind,
// Cache-Aside — plus a background flusher that drains the write-behind
// queue to a durable persistence.Store in batches.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avalonforge/corestate/internal/xclock"
	"github.com/avalonforge/corestate/persistence"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/avalonforge/corestate/datasync")

// CacheClient is the narrow RESP2 capability the sync engine depends on.
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ConnProvider supplies a live CacheClient on demand. It is called once per
// operation rather than captured once at construction, so the sync engine
// observes cacheconn.Manager's health-check-driven reconnection instead of
// pinning a client handle that the connection manager may later close.
type ConnProvider func(ctx context.Context) (CacheClient, error)

// Loader is the external persistence callback invoked by CacheAside on a
// cache miss. A nil result with a nil error means "no such record".
type Loader func(ctx context.Context) (interface{}, error)

// Engine is the data sync engine. It is safe for concurrent use from any
// goroutine.
type Engine struct {
	cfg         Config
	conn        ConnProvider
	persistence persistence.Store

	pending     *pendingQueue
	stats       *Stats
	metrics     *syncMetrics
	deadLetters *deadLetterRing
	local       *localCache
	loadGroup   singleflight.Group

	disposed atomic.Bool

	flushStop   chan struct{}
	flushDone   chan struct{}
	flushSignal chan struct{}
}

// NewEngine constructs an Engine that requests a CacheClient from conn for
// every operation, persisting durable writes through store, and starts its
// background flush loop.
func NewEngine(appName string, cfg Config, conn ConnProvider, store persistence.Store, registerer prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		conn:        conn,
		persistence: store,
		pending:     newPendingQueue(),
		stats:       &Stats{},
		metrics:     newSyncMetrics(appName, registerer),
		deadLetters: newDeadLetterRing(),
		flushStop:   make(chan struct{}),
		flushDone:   make(chan struct{}),
		flushSignal: make(chan struct{}, 1),
	}
	if cfg.EnableLocalCache {
		local, err := newLocalCache(cfg.LocalCacheSizeBytes, conn)
		if err != nil {
			return nil, fmt.Errorf("%w: local cache: %v", ErrTransport, err)
		}
		e.local = local
	}
	go e.flushLoop()
	return e, nil
}

func storeKey(key string) string {
	// Hash-tagged so a future Redis Cluster deployment keeps a key's
	// sync-engine data on one shard.
	return "{" + key + "}"
}

// WriteThrough writes value to the cache and the persistence capability
// synchronously, surfacing the first failing step. On a persistence
// failure after a successful cache write, it invalidates the cache key to
// close the inconsistency window (the resolved Open Question in §9).
func (e *Engine) WriteThrough(ctx context.Context, key string, value interface{}, ttl time.Duration) (err error) {
	if e.disposed.Load() {
		return ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "datasync.WriteThrough")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	client, err := e.conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	valueBytes, err := marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	env := e.buildEnvelope(valueBytes, ttl)
	envBytes, err := marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := client.Set(ctx, storeKey(key), envBytes, ttl).Err(); err != nil {
		e.stats.syncFailureCount.Add(1)
		e.metrics.failures.Inc()
		log.Error().Err(err).Str("key", key).Msg("datasync: write_through cache write failed")
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if e.local != nil {
		e.local.Set(key, valueBytes, ttl)
	}

	if _, err := e.persistence.Save(ctx, key, valueBytes); err != nil {
		e.stats.syncFailureCount.Add(1)
		e.metrics.failures.Inc()
		if delErr := client.Del(ctx, storeKey(key)).Err(); delErr != nil {
			log.Error().Err(delErr).Str("key", key).Msg("datasync: write_through compensating cache invalidation failed")
		}
		if e.local != nil {
			e.local.Invalidate(key)
		}
		log.Warn().Err(err).Str("key", key).Msg("datasync: write_through persistence write failed, cache invalidated")
		return fmt.Errorf("%w: %v", ErrPersistenceRejected, err)
	}

	e.stats.writeThroughCount.Add(1)
	e.metrics.writeThrough.Inc()
	return nil
}

// WriteBehind writes value to the cache synchronously (a failure here
// surfaces immediately and nothing is queued), then upserts the
// persistence write into the pending queue for the background flusher.
func (e *Engine) WriteBehind(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "datasync.WriteBehind")
	defer span.End()

	client, err := e.conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	valueBytes, err := marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	env := e.buildEnvelope(valueBytes, ttl)
	envBytes, err := marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := client.Set(ctx, storeKey(key), envBytes, ttl).Err(); err != nil {
		e.stats.syncFailureCount.Add(1)
		e.metrics.failures.Inc()
		log.Error().Err(err).Str("key", key).Msg("datasync: write_behind cache write failed")
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if e.local != nil {
		e.local.Set(key, valueBytes, ttl)
	}

	e.pending.Upsert(key, valueBytes, ttl, xclock.Now())
	e.stats.writeBehindCount.Add(1)
	e.metrics.writeBehind.Inc()

	if e.pending.Len() >= e.cfg.BatchThreshold {
		select {
		case e.flushSignal <- struct{}{}:
		default:
		}
	}
	return nil
}

// CacheAside reads key from the cache into target, invoking loader on a
// miss and backfilling the cache with its result (unless loader returns a
// nil value). Loader errors propagate unchanged; a cache-side error on the
// read path is logged but does not prevent the loader from being tried.
func (e *Engine) CacheAside(ctx context.Context, key string, target interface{}, ttl time.Duration, loader Loader) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "datasync.CacheAside")
	defer span.End()

	if e.local != nil {
		if raw, ok := e.local.Get(key); ok {
			e.stats.cacheHits.Add(1)
			e.metrics.hits.Inc()
			return unmarshal(raw, target)
		}
	}

	client, err := e.conn(ctx)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("datasync: cache_aside connection unavailable")
		client = nil
	}

	var envBytes []byte
	if client != nil {
		envBytes, err = client.Get(ctx, storeKey(key)).Bytes()
	}
	if client != nil && err == nil {
		var env envelope
		if uerr := unmarshalEnvelope(envBytes, &env); uerr == nil {
			valueBytes, derr := e.decodeEnvelope(env)
			if derr != nil {
				return fmt.Errorf("%w: %v", ErrSerialization, derr)
			}
			e.stats.cacheHits.Add(1)
			e.metrics.hits.Inc()
			if e.local != nil {
				e.local.Set(key, valueBytes, ttl)
			}
			return unmarshal(valueBytes, target)
		}
		log.Error().Err(uerr).Str("key", key).Msg("datasync: cache_aside envelope decode failed")
	} else if client != nil && !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Str("key", key).Msg("datasync: cache_aside cache read failed")
	}

	e.stats.cacheMisses.Add(1)
	e.metrics.misses.Inc()

	loaded, err, _ := e.loadGroup.Do(key, func() (interface{}, error) {
		return loader(ctx)
	})
	if err != nil {
		return err
	}
	if loaded == nil {
		return nil
	}

	valueBytes, err := marshal(loaded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	env := e.buildEnvelope(valueBytes, ttl)
	envEncoded, err := marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if client == nil {
		return unmarshal(valueBytes, target)
	}
	if err := client.Set(ctx, storeKey(key), envEncoded, ttl).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("datasync: cache_aside backfill failed")
	} else if e.local != nil {
		e.local.Set(key, valueBytes, ttl)
	}

	return unmarshal(valueBytes, target)
}

// Delete removes key from the pending queue, the cache, and the
// persistence capability. Each step's failure is logged; the remaining
// steps still run so the system converges toward eventual consistency.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "datasync.Delete")
	defer span.End()

	e.pending.Remove(key)

	if client, err := e.conn(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("datasync: delete connection unavailable")
	} else if err := client.Del(ctx, storeKey(key)).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("datasync: delete cache step failed")
	}
	if e.local != nil {
		e.local.Invalidate(key)
	}
	if _, err := e.persistence.Delete(ctx, key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("datasync: delete persistence step failed")
	}
	return nil
}

// FlushPendingWrites drains up to cfg.WriteBehindBatchSize entries from the
// pending queue to the persistence capability. Entries that fail are
// retried on the next flush up to cfg.MaxRetries, after which they are
// dead-lettered and dropped.
func (e *Engine) FlushPendingWrites(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "datasync.FlushPendingWrites")
	defer span.End()

	started := xclock.Now()
	snapshot := e.pending.Snapshot(e.cfg.WriteBehindBatchSize)
	if len(snapshot) == 0 {
		e.stats.lastFlushTime.Store(xclock.Now().UnixNano())
		return nil
	}

	failures := 0
	for key, entry := range snapshot {
		if _, err := e.persistence.Save(ctx, key, entry.payload); err != nil {
			count, current := e.pending.IncrementRetry(key, entry)
			if !current {
				continue // superseded by a newer write_behind; nothing to do
			}
			if count >= e.cfg.MaxRetries {
				e.deadLetters.Add(DeadLetter{
					Key:        key,
					LastError:  err.Error(),
					RetryCount: count,
					DroppedAt:  xclock.Now(),
				})
				e.pending.CompareAndDelete(key, entry)
				e.stats.syncFailureCount.Add(1)
				e.metrics.failures.Inc()
				e.metrics.deadLettered.Inc()
				failures++
				log.Error().Err(err).Str("key", key).Int("retries", count).
					Msg("datasync: pending write dead-lettered after exhausting retries")
			} else {
				log.Warn().Err(err).Str("key", key).Int("retries", count).
					Msg("datasync: pending write flush failed, will retry")
			}
			continue
		}
		e.pending.CompareAndDelete(key, entry)
	}

	e.stats.lastFlushTime.Store(xclock.Now().UnixNano())
	e.metrics.flushLatency.Observe(float64(xclock.Now().Sub(started).Milliseconds()))
	log.Info().Int("count", len(snapshot)).Int("failures", failures).Msg("datasync: flush complete")
	return nil
}

// DeadLetters returns the most recently dropped write-behind entries.
func (e *Engine) DeadLetters() []DeadLetter {
	return e.deadLetters.Recent()
}

// Stats returns a value-type snapshot of the sync engine's counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot(e.pending.Len())
}

func (e *Engine) flushLoop() {
	defer close(e.flushDone)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.flushStop:
			return
		case <-ticker.C:
			_ = e.FlushPendingWrites(context.Background())
		case <-e.flushSignal:
			_ = e.FlushPendingWrites(context.Background())
		}
	}
}

// Close stops the flush loop, issues one final flush, and closes the local
// cache tier (if enabled). Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.flushStop)
	<-e.flushDone

	err := e.FlushPendingWrites(ctx)

	if e.local != nil {
		if lerr := e.local.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func unmarshalEnvelope(b []byte, env *envelope) error {
	return unmarshal(b, env)
}
