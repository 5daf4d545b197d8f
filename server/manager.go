// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/agentwire/agentwire/locker"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/seqtrack"
	"github.com/agentwire/agentwire/server/serverdb"
)

// DefaultSessionTTL bounds a session's lifetime when the caller does not
// request one.
const DefaultSessionTTL = 24 * time.Hour

// ManagerConfig carries the collaborators of a Manager. DB and SealKey are
// required; nil optional fields select defaults.
type ManagerConfig struct {
	DB             serverdb.ServerDB
	SealKey        []byte
	Authorizer     Authorizer
	Audit          AuditSink
	Log            slog.Logger
	LockTimeout    time.Duration
	MaxFutureDelta int64
	SessionTTL     time.Duration
	Now            func() time.Time
}

// Manager implements the protocol core: session and group lifecycle, frame
// storage and the audit trail. All mutating operations serialize per
// aggregate through the locker; reads never take the lock.
type Manager struct {
	db             serverdb.ServerDB
	authz          Authorizer
	audit          AuditSink
	log            slog.Logger
	locks          *locker.Locker
	sealer         *blobSealer
	maxFutureDelta int64
	sessionTTL     time.Duration
	now            func() time.Time
}

// NewManager validates cfg and returns a ready Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.DB == nil {
		return nil, errors.New("manager requires a database")
	}
	sealer, err := newBlobSealer(cfg.SealKey)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:             cfg.DB,
		authz:          cfg.Authorizer,
		audit:          cfg.Audit,
		log:            cfg.Log,
		locks:          locker.New(cfg.LockTimeout),
		sealer:         sealer,
		maxFutureDelta: cfg.MaxFutureDelta,
		sessionTTL:     cfg.SessionTTL,
		now:            cfg.Now,
	}
	if m.authz == nil {
		m.authz = allowAll{}
	}
	if m.audit == nil {
		m.audit = noopAuditSink{}
	}
	if m.log == nil {
		m.log = slog.Disabled
	}
	if m.maxFutureDelta <= 0 {
		m.maxFutureDelta = seqtrack.DefaultMaxFutureDelta
	}
	if m.sessionTTL <= 0 {
		m.sessionTTL = DefaultSessionTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// newAggregateID returns a fresh time-ordered aggregate id.
func newAggregateID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// authorize runs the oracle for one operation.
func (m *Manager) authorize(ctx context.Context, principalID, op, scope string) error {
	return m.authz.Authorize(ctx, principalID, op, scope)
}

// lock serializes writers of one aggregate, mapping contention to the wire
// taxonomy.
func (m *Manager) lock(ctx context.Context, aggregateID string) (func(), error) {
	release, err := m.locks.Acquire(ctx, aggregateID)
	if errors.Is(err, locker.ErrContention) {
		return nil, rpc.NewError(rpc.ErrCodeLockContention, "aggregate "+aggregateID)
	}
	return release, err
}

// record emits one audit record, filling the outcome from err.
func (m *Manager) record(ctx context.Context, rec AuditRecord, err error) {
	if err == nil {
		rec.Outcome = "OK"
	} else if code := rpc.CodeOf(err); code != "" {
		rec.Outcome = string(code)
	} else {
		rec.Outcome = "ERROR"
	}
	m.audit.Record(ctx, rec)
}

// sessionExpired reports lazy expiry: PENDING and ACTIVE sessions past
// their deadline reject all operations.
func (m *Manager) sessionExpired(rec *serverdb.SessionRecord) bool {
	if rec.State == rpc.SessionStateClosed {
		return false
	}
	return rec.ExpiresAt > 0 && m.now().Unix() >= rec.ExpiresAt
}

func sessionInfo(rec *serverdb.SessionRecord, participantID string) rpc.SessionInfo {
	info := rpc.SessionInfo{
		SessionID:   rec.SessionID,
		State:       rec.State,
		InitiatorID: rec.InitiatorID,
		ResponderID: rec.ResponderID,
		ExpiresAt:   rec.ExpiresAt,
	}
	if blob, ok := rec.RatchetBlobs[participantID]; ok {
		info.RatchetStateDigest = blob.Digest
	}
	return info
}

func isParticipant(rec *serverdb.SessionRecord, principalID string) bool {
	return principalID == rec.InitiatorID || principalID == rec.ResponderID
}

func peerOf(rec *serverdb.SessionRecord, principalID string) string {
	if principalID == rec.InitiatorID {
		return rec.ResponderID
	}
	return rec.InitiatorID
}
