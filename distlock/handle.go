package distlock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/avalonforge/corestate/internal/xclock"
)

// Handle represents a held lock. It references its owning Service to
// request release, but that reference does not imply ownership of the
// Service's lifetime: the Service strictly outlives any Handle it issued.
//
// Handles are safe to use and discard from any goroutine.
type Handle struct {
	svc      *Service
	rec      *record
	disposed atomic.Bool
}

// Resource returns the resource name this handle locks.
func (h *Handle) Resource() string { return h.rec.resource }

// ExpiryTime returns the current lease expiry.
func (h *Handle) ExpiryTime() time.Time { return h.rec.expiry() }

// IsValid reports whether the handle has not been disposed, its Service has
// not been closed, and its lease has not yet expired. It checks the local
// registry record only, not a live GET against the cache.
func (h *Handle) IsValid() bool {
	if h.disposed.Load() || h.svc.disposed.Load() {
		return false
	}
	return xclock.Now().Before(h.rec.expiry())
}

// Renew extends the lease by expiry (or the service default if nil),
// updating ExpiryTime on success.
func (h *Handle) Renew(ctx context.Context, expiry *time.Duration) (bool, error) {
	if h.disposed.Load() {
		return false, nil
	}
	d := h.svc.cfg.DefaultExpiry
	if expiry != nil {
		d = *expiry
	}
	return h.svc.renew(ctx, h.rec, d)
}

// Release explicitly releases the lock and reports whether this process
// was still the owner. Unlike Dispose, callers can observe failure here,
// per the design note calling for an explicit async release alongside the
// best-effort Dispose fallback.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	if !h.disposed.CompareAndSwap(false, true) {
		return false, nil
	}
	return h.svc.release(ctx, h.rec)
}

// Dispose is the best-effort, fire-and-forget release used when a caller
// does not need to observe the outcome (e.g. a deferred cleanup). The TTL
// on the underlying record is the correctness backstop if this goroutine
// never gets scheduled before process exit.
func (h *Handle) Dispose() {
	if !h.disposed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.svc.cfg.DefaultTimeout)
		defer cancel()
		_, _ = h.svc.release(ctx, h.rec)
	}()
}
