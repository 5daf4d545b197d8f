// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package serverdb defines the durable store consumed by the protocol core.
// Implementations must provide atomic multi-record commits: every Commit*
// method persists all of its arguments in a single transaction or none of
// them. Partial commits are a fatal invariant violation.
package serverdb

import (
	"context"
	"errors"
	"strconv"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/seqtrack"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyStoredFrame is returned when a frame with the same
	// (session, sender, sequence) triple was committed before.
	ErrAlreadyStoredFrame = errors.New("already stored frame at the sequence point")
)

// RatchetBlob is one participant's sealed ratchet state. The blob is opaque
// to the store; Digest is the integrity hash of the cleartext state it was
// sealed from.
type RatchetBlob struct {
	Blob   []byte `json:"blob"`
	Digest string `json:"digest"`
}

// SessionRecord is the persisted shape of a session.
type SessionRecord struct {
	SchemaID      string                 `json:"schemaId"`
	SchemaVersion int                    `json:"schemaVersion"`
	SessionID     string                 `json:"sessionId"`
	State         string                 `json:"state"`
	InitiatorID   string                 `json:"initiatorId"`
	ResponderID   string                 `json:"responderId"`
	KeyOffer      []byte                 `json:"keyOffer,omitempty"`
	RatchetBlobs  map[string]RatchetBlob `json:"ratchetBlobs"`
	CreatedAt     int64                  `json:"createdAt"`
	ExpiresAt     int64                  `json:"expiresAt"`
}

// GroupRecord is the persisted shape of a group. Membership is not stored
// here; it is always a fold over the group's ledger entries.
type GroupRecord struct {
	SchemaID      string `json:"schemaId"`
	SchemaVersion int    `json:"schemaVersion"`
	GroupID       string `json:"groupId"`
	OwnerID       string `json:"ownerId"`
	State         string `json:"state"`
	Epoch         uint32 `json:"epoch"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// GroupEpochAggregate is the tracker aggregate id for one sender-keys epoch
// of a group. Group ids never contain '#'.
func GroupEpochAggregate(groupID string, epoch uint32) string {
	return groupID + "#" + strconv.FormatUint(uint64(epoch), 10)
}

// ServerDB is the durable store behind the protocol core. The coordinator
// guarantees at most one writer per aggregate id is inside a Commit* call at
// a time; reads may run concurrently with writers and must observe either
// the pre- or post-commit state, never a partial one.
type ServerDB interface {
	// Session fetches a session record by id.
	Session(ctx context.Context, sessionID string) (*SessionRecord, error)

	// ActiveSessionByPair returns the ACTIVE session for the ordered
	// (initiator, responder) pair, or ErrNotFound.
	ActiveSessionByPair(ctx context.Context, initiatorID, responderID string) (*SessionRecord, error)

	// CommitSession atomically persists the session record and appends
	// event to its lifecycle chain.
	CommitSession(ctx context.Context, rec *SessionRecord, event *ledger.Entry) error

	// SessionEvents returns the session's lifecycle chain in seq order.
	SessionEvents(ctx context.Context, sessionID string) ([]*ledger.Entry, error)

	// Group fetches a group record by id.
	Group(ctx context.Context, groupID string) (*GroupRecord, error)

	// CommitGroup atomically persists the group record and appends the
	// given events to its membership chain.
	CommitGroup(ctx context.Context, rec *GroupRecord, events ...*ledger.Entry) error

	// GroupEvents returns the group's membership chain in seq order.
	GroupEvents(ctx context.Context, groupID string) ([]*ledger.Entry, error)

	// CommitFrame atomically persists the frame, the sender's updated
	// sequence tracker and, when rec is non nil, the session record
	// (rewritten ratchet blob). Returns ErrAlreadyStoredFrame when the
	// (session, sender, seq) triple exists.
	CommitFrame(ctx context.Context, frame *rpc.Frame, tracker *seqtrack.State, rec *SessionRecord) error

	// Frame fetches one frame by its uniqueness triple.
	Frame(ctx context.Context, sessionID, senderID string, seq uint64) (*rpc.Frame, error)

	// FramesFor returns up to max frames of the session addressed to
	// recipientID with insertion index at or past afterIdx, in insertion
	// order. The uint64 result is the index to resume from (one past the
	// last frame consumed) and the bool reports whether more eligible
	// frames remain beyond the returned page.
	FramesFor(ctx context.Context, sessionID, recipientID string, afterIdx uint64, max int) ([]rpc.Frame, uint64, bool, error)

	// CommitGroupFrame atomically persists the group frame and the
	// sender's updated sequence tracker. Sequence uniqueness for group
	// frames is per epoch (sender chains restart at zero on rotation):
	// ErrAlreadyStoredFrame is returned when the (group, epoch, sender,
	// seq) tuple exists.
	CommitGroupFrame(ctx context.Context, frame *rpc.GroupFrame, tracker *seqtrack.State) error

	// GroupFramesFor returns up to max frames of the group not sent by
	// memberID with insertion index at or past afterIdx, in insertion
	// order. The uint64 result is the index to resume from and the bool
	// reports whether more eligible frames remain beyond the returned
	// page.
	GroupFramesFor(ctx context.Context, groupID, memberID string, afterIdx uint64, max int) ([]rpc.GroupFrame, uint64, bool, error)

	// Tracker returns the sequence tracker for (aggregate, sender).
	// A fresh tracker is returned when none is stored.
	Tracker(ctx context.Context, aggregateID, senderID string) (*seqtrack.State, error)

	// HealthCheck errors when the store is unusable.
	HealthCheck(ctx context.Context) error

	// Close releases the store.
	Close() error
}
