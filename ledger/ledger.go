// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger implements the append-only, hash-linked event log shared by
// session lifecycle and group membership records. Each entry embeds the
// digest of its predecessor, so any modification of a persisted entry breaks
// the chain at a detectable position. Current state (session phase, group
// membership) is always a fold over the entries, never a separately mutable
// copy.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentwire/agentwire/canon"
)

// GenesisPrevDigest is the prev_digest value of the first entry of every
// chain.
var GenesisPrevDigest = strings.Repeat("0", 64)

var (
	// ErrBadEntry is returned when an entry's own digest does not match
	// its recomputed digest.
	ErrBadEntry = errors.New("ledger entry digest mismatch")

	// ErrNotCanonical is returned when an event payload cannot be
	// canonically encoded.
	ErrNotCanonical = errors.New("event payload is not canonically encodable")
)

// ChainBreakError reports the first position at which a chain fails to
// verify.
type ChainBreakError struct {
	Seq uint64
}

func (e ChainBreakError) Error() string {
	return fmt.Sprintf("hash chain broken at entry %d", e.Seq)
}

// Entry is one immutable record of a hash chain. EventJSON carries the
// domain payload (lifecycle transition, membership change); Digest covers
// every other field including PrevDigest.
type Entry struct {
	AggregateID string          `json:"aggregateId"`
	Seq         uint64          `json:"seq"`
	PrevDigest  string          `json:"prevDigest"`
	Digest      string          `json:"digest"`
	EventJSON   json.RawMessage `json:"eventJson"`
	ActorID     string          `json:"actorId"`
	TargetID    string          `json:"targetId,omitempty"`
	Timestamp   int64           `json:"ts"`
}

// Next builds the successor of prev for the given aggregate, computing seq,
// prev_digest and digest. A nil prev starts a new chain at seq 0 with the
// genesis prev_digest.
func Next(prev *Entry, aggregateID string, event any, actorID, targetID string, ts time.Time) (*Entry, error) {
	raw, err := canon.Marshal(event)
	if err != nil {
		return nil, ErrNotCanonical
	}

	e := &Entry{
		AggregateID: aggregateID,
		PrevDigest:  GenesisPrevDigest,
		EventJSON:   raw,
		ActorID:     actorID,
		TargetID:    targetID,
		Timestamp:   ts.Unix(),
	}
	if prev != nil {
		e.Seq = prev.Seq + 1
		e.PrevDigest = prev.Digest
	}
	e.Digest, err = ComputeDigest(e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ComputeDigest returns the canonical digest over every entry field except
// Digest itself.
func ComputeDigest(e *Entry) (string, error) {
	var event any
	if err := json.Unmarshal(e.EventJSON, &event); err != nil {
		return "", ErrNotCanonical
	}
	return canon.Digest(map[string]any{
		"aggregate_id": e.AggregateID,
		"seq":          e.Seq,
		"prev_digest":  e.PrevDigest,
		"event":        event,
		"actor_id":     e.ActorID,
		"target_id":    e.TargetID,
		"ts":           e.Timestamp,
	})
}

// VerifyEntry recomputes the digest of a single entry.
func VerifyEntry(e *Entry) error {
	d, err := ComputeDigest(e)
	if err != nil {
		return err
	}
	if d != e.Digest {
		return ErrBadEntry
	}
	return nil
}

// VerifyChain checks that entries form an unbroken chain starting at seq 0:
// digests recompute, sequence numbers are dense, and each prev_digest equals
// the predecessor's digest. The position of the first break is reported.
func VerifyChain(entries []*Entry) error {
	prevDigest := GenesisPrevDigest
	for i, e := range entries {
		if e.Seq != uint64(i) || e.PrevDigest != prevDigest {
			return ChainBreakError{Seq: e.Seq}
		}
		if err := VerifyEntry(e); err != nil {
			return ChainBreakError{Seq: e.Seq}
		}
		prevDigest = e.Digest
	}
	return nil
}
