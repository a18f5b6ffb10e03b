// Package persistence defines the narrow durable-store capability consumed
// by the data sync engine. It intentionally does not expose ranking,
// search, event-append, time-range, or statistics queries: those belong to
// the outer application and were left out of this capability contract on
// purpose (see corestate's design notes on re-architecting the
// "interface with many query methods" smell).
package persistence

import "context"

// Store is the capability contract the sync engine depends on. Nothing in
// this package assumes a particular document-store technology; it only
// needs identity (key) and an opaque payload (bytes).
type Store interface {
	// Save durably writes value under key and returns a store-assigned id.
	Save(ctx context.Context, key string, value []byte) (id string, err error)

	// Load reads the durable value for key. A miss is reported as a nil
	// slice with a nil error, not an error.
	Load(ctx context.Context, key string) (value []byte, err error)

	// Delete removes key from durable storage. It reports whether a
	// record existed.
	Delete(ctx context.Context, key string) (existed bool, err error)

	// BatchSave durably writes all items, returning the assigned id for
	// each successfully written key. A partial failure is reported via
	// err while still returning ids for the keys that succeeded.
	BatchSave(ctx context.Context, items map[string][]byte) (ids map[string]string, err error)
}
