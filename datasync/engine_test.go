package datasync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/avalonforge/corestate/persistence"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *persistence.Memory, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := persistence.NewMemory()
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour // keep the background ticker from racing the test
	provider := func(ctx context.Context) (CacheClient, error) { return client, nil }
	engine, err := NewEngine("test", cfg, provider, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine, store, client
}

func TestWriteThrough_RoundTrip(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.WriteThrough(ctx, "player:1", []byte("hello"), time.Minute))

	var got []byte
	require.NoError(t, engine.CacheAside(ctx, "player:1", &got, time.Minute, func(ctx context.Context) (interface{}, error) {
		t.Fatal("loader should not run, write_through already populated the cache")
		return nil, nil
	}))
	require.Equal(t, []byte("hello"), got)

	raw, err := store.Load(ctx, "player:1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), raw)
}

func TestWriteThrough_InvalidatesCacheOnPersistenceFailure(t *testing.T) {
	engine, store, client := newTestEngine(t)
	ctx := context.Background()
	_ = store // store is never used; persistence failure is forced via failingStore below

	// Force a persistence failure: the in-memory store never fails, so
	// substitute a store that always errors for this one assertion.
	engine.persistence = failingStore{}

	err := engine.WriteThrough(ctx, "doomed", []byte("x"), time.Minute)
	require.ErrorIs(t, err, ErrPersistenceRejected)

	exists, err := client.Exists(ctx, storeKey("doomed")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists, "cache key must be invalidated after a persistence failure")
}

type failingStore struct{}

func (failingStore) Save(context.Context, string, []byte) (string, error) {
	return "", assertErr
}
func (failingStore) Load(context.Context, string) ([]byte, error)       { return nil, nil }
func (failingStore) Delete(context.Context, string) (bool, error)       { return false, nil }
func (failingStore) BatchSave(context.Context, map[string][]byte) (map[string]string, error) {
	return nil, assertErr
}

var assertErr = errDeliberate{}

type errDeliberate struct{}

func (errDeliberate) Error() string { return "deliberate test failure" }

func TestWriteBehind_CoalescesAndFlushes(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.WriteBehind(ctx, "counter", []byte("1"), time.Minute))
	require.NoError(t, engine.WriteBehind(ctx, "counter", []byte("2"), time.Minute))
	require.Equal(t, 1, engine.pending.Len(), "second write_behind should coalesce, not double-queue")

	require.NoError(t, engine.FlushPendingWrites(ctx))
	require.Equal(t, 0, engine.pending.Len())

	raw, err := store.Load(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), raw, "flush should persist the coalesced (latest) value")
}

func TestWriteBehind_DeadLettersAfterMaxRetries(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.persistence = failingStore{}
	engine.cfg.MaxRetries = 2
	ctx := context.Background()

	require.NoError(t, engine.WriteBehind(ctx, "flaky", []byte("v"), time.Minute))

	require.NoError(t, engine.FlushPendingWrites(ctx))
	require.Equal(t, 1, engine.pending.Len(), "first failure should retry, not drop")

	require.NoError(t, engine.FlushPendingWrites(ctx))
	require.Equal(t, 0, engine.pending.Len(), "entry should be dead-lettered after exhausting retries")

	letters := engine.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, "flaky", letters[0].Key)
	require.Equal(t, 2, letters[0].RetryCount)
}

func TestCacheAside_MissInvokesLoaderAndBackfills(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (interface{}, error) {
		calls++
		return []byte("from-loader"), nil
	}

	var got []byte
	require.NoError(t, engine.CacheAside(ctx, "missing", &got, time.Minute, loader))
	require.Equal(t, []byte("from-loader"), got)
	require.Equal(t, 1, calls)

	got = nil
	require.NoError(t, engine.CacheAside(ctx, "missing", &got, time.Minute, loader))
	require.Equal(t, []byte("from-loader"), got)
	require.Equal(t, 1, calls, "second read should be served from the cache, not the loader")
}

func TestCacheAside_LoaderNilSkipsBackfill(t *testing.T) {
	engine, _, client := newTestEngine(t)
	ctx := context.Background()

	var got []byte
	require.NoError(t, engine.CacheAside(ctx, "absent", &got, time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	require.Nil(t, got)

	exists, err := client.Exists(ctx, storeKey("absent")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
}

func TestDelete_RemovesFromCacheAndPendingAndStore(t *testing.T) {
	engine, store, client := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.WriteBehind(ctx, "gone", []byte("v"), time.Minute))
	require.NoError(t, engine.Delete(ctx, "gone"))

	require.Equal(t, 0, engine.pending.Len())
	exists, err := client.Exists(ctx, storeKey("gone")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
	raw, err := store.Load(ctx, "gone")
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestEngine_DisposedAfterClose(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	require.NoError(t, engine.Close(context.Background()))
	require.NoError(t, engine.Close(context.Background()), "Close must be idempotent")
	require.ErrorIs(t, engine.WriteThrough(context.Background(), "k", []byte("v"), time.Minute), ErrDisposed)
}

func TestCompressBytes_RoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("payload-chunk-", 200))

	compressed := compressBytes(original)
	require.NotEqual(t, original, compressed, "a compressible payload should shrink or at least change shape")

	decompressed, err := decompressBytes(compressed)
	require.NoError(t, err)
	require.Equal(t, original, decompressed)
}

func TestWriteThrough_CompressesPayloadsAboveThreshold(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := persistence.NewMemory()
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.CompressionThresholdBytes = 64
	provider := func(ctx context.Context) (CacheClient, error) { return client, nil }
	engine, err := NewEngine("test", cfg, provider, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	ctx := context.Background()
	large := []byte(strings.Repeat("x", 256))
	require.NoError(t, engine.WriteThrough(ctx, "big", large, time.Minute))

	raw, err := client.Get(ctx, storeKey("big")).Bytes()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, unmarshal(raw, &env))
	require.True(t, env.Compressed)
	require.NotEqual(t, large, env.ValueBytes)

	var got []byte
	require.NoError(t, engine.CacheAside(ctx, "big", &got, time.Minute, nil))
	require.Equal(t, large, got, "read path must transparently decompress")
}

func TestLocalCache_BackfillsOnHitAndInvalidatesAcrossEngines(t *testing.T) {
	mr := miniredis.RunT(t)

	newEngine := func() (*Engine, *redis.Client) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cfg := DefaultConfig()
		cfg.FlushInterval = time.Hour
		cfg.EnableLocalCache = true
		cfg.LocalCacheSizeBytes = 1024 * 1024
		provider := func(ctx context.Context) (CacheClient, error) { return client, nil }
		engine, err := NewEngine("test", cfg, provider, persistence.NewMemory(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = engine.Close(context.Background()) })
		return engine, client
	}

	writer, _ := newEngine()
	reader, _ := newEngine()
	ctx := context.Background()

	require.NoError(t, writer.WriteThrough(ctx, "shared", []byte("v1"), time.Minute))

	var got []byte
	require.NoError(t, reader.CacheAside(ctx, "shared", &got, time.Minute, nil))
	require.Equal(t, []byte("v1"), got)

	cached, ok := reader.local.Get("shared")
	require.True(t, ok, "a cache-aside hit should backfill the local tier")
	require.NotEmpty(t, cached)

	require.NoError(t, writer.Delete(ctx, "shared"))

	require.Eventually(t, func() bool {
		_, ok := reader.local.Get("shared")
		return !ok
	}, time.Second, 10*time.Millisecond, "a delete on one engine must invalidate the other engine's local tier via pub/sub")
}

func TestStats_ReflectsHitsAndMisses(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.WriteThrough(ctx, "s1", []byte("v"), time.Minute))
	var got []byte
	require.NoError(t, engine.CacheAside(ctx, "s1", &got, time.Minute, nil))
	require.NoError(t, engine.CacheAside(ctx, "s2", &got, time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))

	snap := engine.Stats()
	require.Equal(t, uint64(1), snap.CacheHits)
	require.Equal(t, uint64(1), snap.CacheMisses)
	require.Equal(t, uint64(1), snap.WriteThroughCount)
}
