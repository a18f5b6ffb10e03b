package cacheconn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testConfig(addr string) Config {
	return Config{
		Endpoints:       []string{addr},
		DefaultDatabase: 0,
		ConnectTimeout:  time.Second,
		SyncTimeout:     time.Second,
		AsyncTimeout:    time.Second,
		RetryCount:      1,
	}
}

func TestManager_GetConnection_LazyAndShared(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	m, err := New("test", testConfig(mr.Addr()), nil)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	c1, err := m.GetConnection(ctx)
	require.NoError(t, err)
	c2, err := m.GetConnection(ctx)
	require.NoError(t, err)
	require.Same(t, c1, c2, "GetConnection should return the same handle once built")
}

func TestManager_GetDatabase_OncePerIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	m, err := New("test", testConfig(mr.Addr()), nil)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	d1, err := m.GetDatabase(ctx, 3)
	require.NoError(t, err)
	d2, err := m.GetDatabase(ctx, 3)
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.Equal(t, 3, d1.Options().DB)
}

func TestManager_DisposedAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	m, err := New("test", testConfig(mr.Addr()), nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err = m.GetConnection(context.Background())
	require.ErrorIs(t, err, ErrDisposed)
}

func TestManager_HealthCheckInvalidatesOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(mr.Addr())
	cfg.EnableHealthCheck = true
	cfg.HealthCheckIntervalSeconds = 1
	// go-redis requires a time.Duration; the config here is expressed in
	// whole seconds per the recognized option, so we approximate a fast
	// interval for the test by constructing the manager directly and
	// invoking checkHealth rather than waiting on the real ticker.

	m, err := New("test", cfg, nil)
	require.NoError(t, err)
	defer func() {
		mr.Close()
		m.Close()
	}()

	ctx := context.Background()
	_, err = m.GetConnection(ctx)
	require.NoError(t, err)
	require.True(t, m.healthy.Load())

	mr.Close()
	m.checkHealth()
	require.False(t, m.healthy.Load())

	mr2 := miniredis.NewMiniRedis()
	require.NoError(t, mr2.StartAddr(mr.Addr()))
	defer mr2.Close()

	_, err = m.GetDatabase(ctx, 0)
	require.NoError(t, err)
	require.True(t, m.healthy.Load())
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig("localhost:6379")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Endpoints = nil
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.ConnectTimeout = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.DefaultDatabase = -1
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.EnableHealthCheck = true
	bad.HealthCheckIntervalSeconds = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
