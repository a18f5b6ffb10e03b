// Package xclock provides a package-level clock seam so timeout, TTL, and
// flush-interval logic can be driven deterministically from tests.
package xclock

import "time"

var now = time.Now

// Now returns the current time, indirected through the package seam.
func Now() time.Time { return now() }

// SetNowFunc replaces the clock used by Now. Tests should restore the
// original function (captured via SetNowFunc(Now) is wrong; keep the
// returned restore func) when done.
func SetNowFunc(f func() time.Time) (restore func()) {
	prev := now
	now = f
	return func() { now = prev }
}
