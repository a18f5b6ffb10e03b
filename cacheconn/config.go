package cacheconn

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the recognized cache-connection options. Endpoints, timeouts,
// the default database, and health-check cadence are validated at
// construction time by Validate.
type Config struct {
	// Endpoints is the RESP2 server address list. Only the first address is
	// used today (go-redis/v9's single-node client); a future cluster/
	// sentinel client would consume the rest.
	Endpoints []string
	Password  string

	DefaultDatabase int

	ConnectTimeout time.Duration
	SyncTimeout    time.Duration
	AsyncTimeout   time.Duration
	RetryCount     int

	EnableSSL bool

	EnableHealthCheck          bool
	HealthCheckIntervalSeconds int
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: endpoints must not be empty", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfig)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("%w: sync timeout must be positive", ErrInvalidConfig)
	}
	if c.AsyncTimeout <= 0 {
		return fmt.Errorf("%w: async timeout must be positive", ErrInvalidConfig)
	}
	if c.DefaultDatabase < 0 {
		return fmt.Errorf("%w: default database must be non-negative", ErrInvalidConfig)
	}
	if c.EnableHealthCheck && c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("%w: health check interval must be positive when enabled", ErrInvalidConfig)
	}
	return nil
}

// maskedDescription renders the configuration the way it would be logged:
// endpoints and tuning are visible, the password is masked.
func (c Config) maskedDescription() string {
	pw := "none"
	if c.Password != "" {
		pw = "***"
	}
	return fmt.Sprintf(
		"endpoints=%s db=%d password=%s connectTimeout=%s syncTimeout=%s asyncTimeout=%s retries=%d ssl=%t healthCheck=%t",
		strings.Join(c.Endpoints, ","), c.DefaultDatabase, pw,
		c.ConnectTimeout, c.SyncTimeout, c.AsyncTimeout, c.RetryCount, c.EnableSSL, c.EnableHealthCheck,
	)
}
