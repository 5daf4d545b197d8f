// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package locker provides the per-aggregate exclusive lock that serializes
// all writers of a session or group. Locks are short-lived: they are taken
// just before validation of a mutating operation and released once the
// append commits. Acquisition is bounded by a timeout; contention is
// surfaced to the caller for retry rather than queued indefinitely.
package locker

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultAcquireTimeout bounds how long an acquisition waits for a
// conflicting writer before giving up.
const DefaultAcquireTimeout = 250 * time.Millisecond

// ErrContention is returned when the lock could not be acquired within the
// timeout because another writer holds it.
var ErrContention = errors.New("another writer holds the aggregate lock")

// Locker hands out exclusive locks keyed by aggregate id.
type Locker struct {
	timeout time.Duration
	locks   *xsync.MapOf[string, chan struct{}]
}

// New returns a Locker with the given acquisition timeout; zero or negative
// selects DefaultAcquireTimeout.
func New(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Locker{
		timeout: timeout,
		locks:   xsync.NewMapOf[string, chan struct{}](),
	}
}

// Acquire takes the exclusive lock for id, waiting up to the configured
// timeout. On success it returns a release function that must be called
// exactly once. ErrContention is returned when the wait times out.
func (l *Locker) Acquire(ctx context.Context, id string) (func(), error) {
	sem, _ := l.locks.LoadOrStore(id, make(chan struct{}, 1))

	t := time.NewTimer(l.timeout)
	defer t.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-t.C:
		return nil, ErrContention
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (l *Locker) TryAcquire(id string) (func(), error) {
	sem, _ := l.locks.LoadOrStore(id, make(chan struct{}, 1))
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
		return nil, ErrContention
	}
}
