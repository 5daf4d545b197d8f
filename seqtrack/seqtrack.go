// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package seqtrack decides whether an incoming sender-local sequence number
// is acceptable for a given (aggregate, sender) pair. It detects replays and
// bounds how far into the future a sender may jump, while tolerating gaps
// within the window so that bounded out-of-order delivery works.
package seqtrack

import (
	"errors"
	"sort"
)

// DefaultMaxFutureDelta is the default window beyond the last contiguous
// sequence number within which frames are accepted.
const DefaultMaxFutureDelta = 1024

var (
	// ErrReplay is returned when the sequence number was already
	// observed.
	ErrReplay = errors.New("sequence number already observed")

	// ErrTooFarFuture is returned when the sequence number exceeds the
	// acceptance window.
	ErrTooFarFuture = errors.New("sequence number too far in the future")
)

// State is the serializable tracker state for one (aggregate, sender) pair.
// LastContiguous is the highest sequence number below which every number has
// been observed; Pending holds observed numbers above it, sorted ascending.
type State struct {
	LastContiguous int64    `json:"lastContiguous"`
	Pending        []uint64 `json:"pending"`
}

// NewState returns the tracker state before any frame has been observed.
func NewState() *State {
	return &State{LastContiguous: -1}
}

// Check reports whether seq is acceptable given the current state and the
// window size. maxFutureDelta <= 0 selects DefaultMaxFutureDelta.
func (s *State) Check(seq uint64, maxFutureDelta int64) error {
	if maxFutureDelta <= 0 {
		maxFutureDelta = DefaultMaxFutureDelta
	}
	if s.LastContiguous >= 0 && seq <= uint64(s.LastContiguous) {
		return ErrReplay
	}
	for _, p := range s.Pending {
		if p == seq {
			return ErrReplay
		}
	}
	if seq > uint64(s.LastContiguous+maxFutureDelta) {
		return ErrTooFarFuture
	}
	return nil
}

// Observe records seq as seen and advances LastContiguous over any pending
// numbers that became contiguous. Callers must Check first; Observe assumes
// seq is acceptable.
func (s *State) Observe(seq uint64) {
	if int64(seq) == s.LastContiguous+1 {
		s.LastContiguous = int64(seq)
		// Drain pending numbers that are now contiguous.
		for len(s.Pending) > 0 && int64(s.Pending[0]) == s.LastContiguous+1 {
			s.LastContiguous = int64(s.Pending[0])
			s.Pending = s.Pending[1:]
		}
		return
	}

	i := sort.Search(len(s.Pending), func(i int) bool {
		return s.Pending[i] >= seq
	})
	s.Pending = append(s.Pending, 0)
	copy(s.Pending[i+1:], s.Pending[i:])
	s.Pending[i] = seq
}
