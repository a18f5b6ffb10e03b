package distlock

import (
	"fmt"
	"time"
)

// Config holds the recognized distributed-lock options. DefaultExpiry is
// taken directly as a time.Duration rather than "default_expiry_minutes" to
// avoid the minutes-to-seconds unit coupling the original formula carried
// (see corestate's resolved Open Question on the auto-renewal interval).
type Config struct {
	KeyPrefix string // default "lock:"

	DefaultExpiry  time.Duration
	DefaultTimeout time.Duration
	RetryInterval  time.Duration

	EnableAutoRenewal bool
	AutoRenewalRatio  float64 // 0 < r < 1, typical 0.33
}

// DefaultConfig returns the documented defaults for fields a caller leaves
// unset.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "lock:",
		DefaultExpiry:     30 * time.Second,
		DefaultTimeout:    5 * time.Second,
		RetryInterval:     50 * time.Millisecond,
		EnableAutoRenewal: true,
		AutoRenewalRatio:  0.33,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("%w: key prefix must not be empty", ErrInvalidConfig)
	}
	if c.DefaultExpiry <= 0 {
		return fmt.Errorf("%w: default expiry must be positive", ErrInvalidConfig)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("%w: default timeout must not be negative", ErrInvalidConfig)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidConfig)
	}
	if c.EnableAutoRenewal && (c.AutoRenewalRatio <= 0 || c.AutoRenewalRatio >= 1) {
		return fmt.Errorf("%w: auto renewal ratio must be in (0, 1)", ErrInvalidConfig)
	}
	return nil
}
