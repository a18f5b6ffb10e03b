package cacheconn

import "errors"

// ErrDisposed is returned by any operation performed after Close.
var ErrDisposed = errors.New("cacheconn: manager disposed")

// ErrInvalidConfig is returned by Config.Validate for malformed configuration.
var ErrInvalidConfig = errors.New("cacheconn: invalid configuration")

// ErrTransport wraps a failure talking to the cache backend.
var ErrTransport = errors.New("cacheconn: transport failure")
