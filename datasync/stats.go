package datasync

import (
	"sync/atomic"
	"time"
)

// Stats holds the atomic counters backing the sync engine's observable
// state. Each counter is independently atomic; readers get a
// consistent-enough snapshot, not a multi-counter transaction.
type Stats struct {
	cacheHits         atomic.Uint64
	cacheMisses       atomic.Uint64
	writeThroughCount atomic.Uint64
	writeBehindCount  atomic.Uint64
	syncFailureCount  atomic.Uint64
	lastFlushTime     atomic.Int64 // UnixNano; zero means never flushed
}

// StatsSnapshot is the value-type view returned by Engine.Stats.
type StatsSnapshot struct {
	CacheHits         uint64
	CacheMisses       uint64
	WriteThroughCount uint64
	WriteBehindCount  uint64
	SyncFailureCount  uint64
	HitRate           float64
	LastFlushTime     time.Time
	PendingCount      int
}

func (s *Stats) snapshot(pendingCount int) StatsSnapshot {
	hits := s.cacheHits.Load()
	misses := s.cacheMisses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	var lastFlush time.Time
	if ns := s.lastFlushTime.Load(); ns != 0 {
		lastFlush = time.Unix(0, ns)
	}
	return StatsSnapshot{
		CacheHits:         hits,
		CacheMisses:       misses,
		WriteThroughCount: s.writeThroughCount.Load(),
		WriteBehindCount:  s.writeBehindCount.Load(),
		SyncFailureCount:  s.syncFailureCount.Load(),
		HitRate:           hitRate,
		LastFlushTime:     lastFlush,
		PendingCount:      pendingCount,
	}
}
