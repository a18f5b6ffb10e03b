package distlock

import "errors"

// ErrInvalidConfig is returned by Config.Validate for malformed configuration.
var ErrInvalidConfig = errors.New("distlock: invalid configuration")

// ErrDisposed is returned by any operation performed after Close.
var ErrDisposed = errors.New("distlock: service disposed")

// ErrTransport wraps a cache transport failure encountered during renew or
// release. TryAcquire does not return it: a failed acquire yields a nil
// Handle.
var ErrTransport = errors.New("distlock: transport failure")
