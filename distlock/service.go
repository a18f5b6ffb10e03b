// Package distlock implements the distributed lock service (component B):
// fenced mutual exclusion on top of a RESP2-speaking cache, with
// auto-renewal and a leak-resistant handle lifecycle.
package distlock

import (
	"context"
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
)

var tracer = otel.Tracer("github.com/avalonforge/corestate/distlock")

// releaseScript is the conditional-delete: only the current owner clears
// the key. Returns 1 on success, 0 if the value didn't match (already
// expired or stolen).
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// renewScript is the conditional-expire: only the current owner may extend
// the TTL. Returns 1 on success, 0 otherwise.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Client is the narrow RESP2 capability the lock service depends on:
// set-if-absent-with-TTL to acquire, and server-side scripting to release
// and renew under a fencing check.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// ConnProvider supplies a live Client on demand. It is called once per
// operation (acquire attempt, renew, release) rather than captured once at
// construction, so the lock service observes cacheconn.Manager's
// health-check-driven reconnection instead of pinning a client handle that
// the connection manager may later close out from under it.
type ConnProvider func(ctx context.Context) (Client, error)

// record is the process-local active-lock registry entry. It is immutable
// except for expiryAt, which auto-renewal updates atomically.
type record struct {
	key        string
	value      string
	resource   string
	acquiredAt time.Time
	expiryAt   atomic.Int64 // UnixNano
}

func (r *record) expiry() time.Time {
	return time.Unix(0, r.expiryAt.Load())
}

// Service is the distributed lock service. It is safe for concurrent use
// from any goroutine.
type Service struct {
	cfg     Config
	conn    ConnProvider
	appName string

	registry sync.Map // map[string]*record, keyed by lock key

	metrics *lockMetrics

	disposed atomic.Bool

	renewStop chan struct{}
	renewDone chan struct{}
}

// New constructs a Service that requests a Client from conn for every
// operation. If cfg.EnableAutoRenewal is set, a background renewal loop
// starts immediately.
func New(appName string, cfg Config, conn ConnProvider, registerer prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		conn:    conn,
		appName: appName,
		metrics: newLockMetrics(appName, registerer),
	}
	if cfg.EnableAutoRenewal {
		s.renewStop = make(chan struct{})
		s.renewDone = make(chan struct{})
		go s.autoRenewLoop()
	}
	return s, nil
}

func (s *Service) lockKey(resource string) string {
	return s.cfg.KeyPrefix + resource
}

// TryAcquire attempts to acquire the named resource's lock, retrying at
// cfg.RetryInterval until the timeout (cfg.DefaultTimeout, or the override
// passed here) elapses. Contention, timeout and transport failures all
// collapse to a nil Handle with a nil error ("could not acquire"); transport
// failures are logged. The only error returned is ErrDisposed after Close.
func (s *Service) TryAcquire(ctx context.Context, resource string, expiry, timeout *time.Duration) (*Handle, error) {
	if s.disposed.Load() {
		return nil, ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "distlock.TryAcquire", trace.WithAttributes())
	defer span.End()

	lockExpiry := s.cfg.DefaultExpiry
	if expiry != nil {
		lockExpiry = *expiry
	}
	lockTimeout := s.cfg.DefaultTimeout
	if timeout != nil {
		lockTimeout = *timeout
	}

	key := s.lockKey(resource)
	value := newToken()
	deadline := xclock.Now().Add(lockTimeout)
	started := xclock.Now()

	for {
		client, err := s.conn(ctx)
		if err != nil {
			log.Error().Err(err).Str("resource", resource).Msg("distlock: connection unavailable during acquire")
			return nil, nil
		}
		ok, err := client.SetNX(ctx, key, value, lockExpiry).Result()
		if err != nil {
			log.Error().Err(err).Str("resource", resource).Msg("distlock: transport error during acquire")
			return nil, nil
		}
		if ok {
			rec := &record{
				key:        key,
				value:      value,
				resource:   resource,
				acquiredAt: xclock.Now(),
			}
			rec.expiryAt.Store(xclock.Now().Add(lockExpiry).UnixNano())
			s.registry.Store(key, rec)
			s.metrics.acquired.Inc()
			s.metrics.acquireLatency.Observe(float64(xclock.Now().Sub(started).Milliseconds()))
			log.Info().Str("resource", resource).Dur("ttl", lockExpiry).Msg("distlock: acquired")
			return &Handle{svc: s, rec: rec}, nil
		}

		if xclock.Now().After(deadline) || lockTimeout <= 0 {
			s.metrics.timedOut.Inc()
			log.Warn().Str("resource", resource).Msg("distlock: acquire timed out")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			s.metrics.timedOut.Inc()
			return nil, nil
		case <-time.After(s.cfg.RetryInterval):
		}

		if xclock.Now().After(deadline) {
			s.metrics.timedOut.Inc()
			log.Warn().Str("resource", resource).Msg("distlock: acquire timed out")
			return nil, nil
		}
	}
}

// release executes the conditional-delete script for rec and, on success,
// removes rec from the registry. It returns (true, nil) only when this
// process was still the owner.
func (s *Service) release(ctx context.Context, rec *record) (bool, error) {
	client, err := s.conn(ctx)
	if err != nil {
		log.Error().Err(err).Str("resource", rec.resource).Msg("distlock: connection unavailable during release")
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	res, err := releaseScript.Run(ctx, client, []string{rec.key}, rec.value).Result()
	if err != nil {
		log.Error().Err(err).Str("resource", rec.resource).Msg("distlock: transport error during release")
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	n, _ := res.(int64)
	if n == 0 {
		log.Warn().Str("resource", rec.resource).Msg("distlock: release found foreign or missing owner")
		s.registry.Delete(rec.key)
		return false, nil
	}
	s.registry.Delete(rec.key)
	s.metrics.released.Inc()
	log.Info().Str("resource", rec.resource).Msg("distlock: released")
	return true, nil
}

// renew executes the conditional-expire script for rec and, on success,
// updates rec.expiryAt.
func (s *Service) renew(ctx context.Context, rec *record, expiry time.Duration) (bool, error) {
	client, err := s.conn(ctx)
	if err != nil {
		log.Error().Err(err).Str("resource", rec.resource).Msg("distlock: connection unavailable during renew")
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	res, err := renewScript.Run(ctx, client, []string{rec.key}, rec.value, expiry.Milliseconds()).Result()
	if err != nil {
		log.Error().Err(err).Str("resource", rec.resource).Msg("distlock: transport error during renew")
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	n, _ := res.(int64)
	if n == 0 {
		s.metrics.renewFailed.Inc()
		s.registry.Delete(rec.key)
		return false, nil
	}
	rec.expiryAt.Store(xclock.Now().Add(expiry).UnixNano())
	s.metrics.renewed.Inc()
	return true, nil
}

// autoRenewLoop ticks at DefaultExpiry*AutoRenewalRatio/2 and renews every
// registry entry whose remaining TTL has dropped to or below
// DefaultExpiry*AutoRenewalRatio.
func (s *Service) autoRenewLoop() {
	defer close(s.renewDone)
	interval := time.Duration(float64(s.cfg.DefaultExpiry) * s.cfg.AutoRenewalRatio / 2)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.renewStop:
			return
		case <-ticker.C:
			s.renewDue()
		}
	}
}

func (s *Service) renewDue() {
	threshold := time.Duration(float64(s.cfg.DefaultExpiry) * s.cfg.AutoRenewalRatio)
	var wg sync.WaitGroup
	s.registry.Range(func(_, v interface{}) bool {
		rec := v.(*record)
		if time.Until(rec.expiry()) > threshold {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DefaultTimeout)
			defer cancel()
			_, _ = s.renew(ctx, rec, s.cfg.DefaultExpiry)
		}()
		return true
	})
	wg.Wait()
}

// Close stops the renewal loop (if any) and attempts to release every
// lock still in the registry within a 10-second bounded wait. Locks that
// cannot be released in time are left to expire via TTL. Every Handle the
// service issued reports IsValid false once Close has been called.
func (s *Service) Close() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if s.renewStop != nil {
		close(s.renewStop)
		<-s.renewDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	s.registry.Range(func(_, v interface{}) bool {
		rec := v.(*record)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.release(ctx, rec)
		}()
		return true
	})
	wg.Wait()
	return nil
}
