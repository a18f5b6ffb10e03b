package datasync

import "errors"

// ErrInvalidConfig is returned by Config.Validate for malformed configuration.
var ErrInvalidConfig = errors.New("datasync: invalid configuration")

// ErrDisposed is returned by any operation performed after Close.
var ErrDisposed = errors.New("datasync: engine disposed")

// ErrTransport wraps a cache transport failure.
var ErrTransport = errors.New("datasync: transport failure")

// ErrSerialization wraps a marshal/unmarshal failure.
var ErrSerialization = errors.New("datasync: serialization failure")

// ErrPersistenceRejected wraps a failure from the persistence capability.
var ErrPersistenceRejected = errors.New("datasync: persistence rejected write")
