// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/ratchet"
	"github.com/agentwire/agentwire/ratchet/disk"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/server/serverdb"
)

// Session lifecycle event types recorded in the hash chain.
const (
	sessionEventOpen   = "open"
	sessionEventAccept = "accept"
	sessionEventRotate = "rotate"
	sessionEventClose  = "close"
)

type sessionEvent struct {
	Type string `json:"type"`
}

// lastEvent returns the chain tip for an aggregate, or nil for a fresh
// chain.
func lastEvent(events []*ledger.Entry) *ledger.Entry {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

// OpenSession creates a PENDING session from initiator to responder,
// carrying the initiator's key offer for the responder to complete the
// agreement on accept. initState, when non nil, is the initiator's ratchet
// state and is sealed into the record.
func (m *Manager) OpenSession(ctx context.Context, initiatorID, responderID string,
	offer *ratchet.KeyOffer, initState *disk.RatchetState,
	ttl time.Duration) (rpc.SessionInfo, error) {

	rec := AuditRecord{Op: "session.open", PrincipalID: initiatorID, TargetID: responderID}

	info, err := m.openSession(ctx, initiatorID, responderID, offer, initState, ttl)
	rec.AggregateID = info.SessionID
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) openSession(ctx context.Context, initiatorID, responderID string,
	offer *ratchet.KeyOffer, initState *disk.RatchetState,
	ttl time.Duration) (rpc.SessionInfo, error) {

	if err := m.authorize(ctx, initiatorID, "session.open", responderID); err != nil {
		return rpc.SessionInfo{}, err
	}
	if initiatorID == "" || responderID == "" || initiatorID == responderID {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionStateInvalid,
			"invalid participant pair")
	}

	// At most one live session per ordered participant pair. The check and
	// the commit run under a pair-scoped lock so concurrent opens cannot
	// both observe a free slot.
	release, err := m.lock(ctx, pairAggregate(initiatorID, responderID))
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	defer release()

	if prev, err := m.db.ActiveSessionByPair(ctx, initiatorID, responderID); err == nil {
		if !m.sessionExpired(prev) {
			return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionStateInvalid,
				"live session "+prev.SessionID+" exists for pair")
		}
	} else if err != serverdb.ErrNotFound {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}

	sessionID, err := newAggregateID()
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	if ttl <= 0 {
		ttl = m.sessionTTL
	}

	now := m.now()
	sess := &serverdb.SessionRecord{
		SchemaID:      rpc.SchemaSession,
		SchemaVersion: rpc.SchemaVersion,
		SessionID:     sessionID,
		State:         rpc.SessionStatePending,
		InitiatorID:   initiatorID,
		ResponderID:   responderID,
		RatchetBlobs:  make(map[string]serverdb.RatchetBlob),
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
	}
	if offer != nil {
		sess.KeyOffer, err = json.Marshal(offer)
		if err != nil {
			return rpc.SessionInfo{}, err
		}
	}
	if initState != nil {
		blob, digest, err := m.sealer.seal(initState)
		if err != nil {
			return rpc.SessionInfo{}, err
		}
		sess.RatchetBlobs[initiatorID] = serverdb.RatchetBlob{Blob: blob, Digest: digest}
	}

	event, err := ledger.Next(nil, sessionID, sessionEvent{Type: sessionEventOpen},
		initiatorID, responderID, now)
	if err != nil {
		return rpc.SessionInfo{}, err
	}

	if err := m.db.CommitSession(ctx, sess, event); err != nil {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	m.log.Debugf("Opened session %s %s->%s", sessionID, initiatorID, responderID)
	return sessionInfo(sess, initiatorID), nil
}

// pairAggregate is the lock id serializing session.open for one ordered
// participant pair. Session ids are uuids, so the "pair/" prefix cannot
// collide with a per-session lock.
func pairAggregate(initiatorID, responderID string) string {
	return "pair/" + initiatorID + "/" + responderID
}

// AcceptSession transitions a PENDING session to ACTIVE and returns the
// initiator's key offer so the responder can finish the key agreement.
// respState, when non nil, is sealed into the record as the responder's
// ratchet state.
func (m *Manager) AcceptSession(ctx context.Context, responderID, sessionID string,
	respState *disk.RatchetState) (rpc.SessionInfo, *ratchet.KeyOffer, error) {

	rec := AuditRecord{Op: "session.accept", PrincipalID: responderID, AggregateID: sessionID}
	info, offer, err := m.acceptSession(ctx, responderID, sessionID, respState)
	m.record(ctx, rec, err)
	return info, offer, err
}

func (m *Manager) acceptSession(ctx context.Context, responderID, sessionID string,
	respState *disk.RatchetState) (rpc.SessionInfo, *ratchet.KeyOffer, error) {

	if err := m.authorize(ctx, responderID, "session.accept", sessionID); err != nil {
		return rpc.SessionInfo{}, nil, err
	}

	release, err := m.lock(ctx, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, nil, err
	}
	defer release()

	sess, err := m.loadSessionFor(ctx, responderID, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, nil, err
	}
	if m.sessionExpired(sess) {
		return rpc.SessionInfo{}, nil, rpc.NewError(rpc.ErrCodeSessionExpired, sessionID)
	}
	if sess.State != rpc.SessionStatePending || responderID != sess.ResponderID {
		return rpc.SessionInfo{}, nil, rpc.NewError(rpc.ErrCodeSessionStateInvalid,
			"accept on "+sess.State+" session "+sessionID)
	}

	var offer *ratchet.KeyOffer
	if len(sess.KeyOffer) != 0 {
		offer = new(ratchet.KeyOffer)
		if err := json.Unmarshal(sess.KeyOffer, offer); err != nil {
			return rpc.SessionInfo{}, nil, rpc.NewError(rpc.ErrCodeFrameStoreError,
				"corrupt key offer for session "+sessionID)
		}
	}

	sess.State = rpc.SessionStateActive
	if respState != nil {
		blob, digest, err := m.sealer.seal(respState)
		if err != nil {
			return rpc.SessionInfo{}, nil, err
		}
		sess.RatchetBlobs[responderID] = serverdb.RatchetBlob{Blob: blob, Digest: digest}
	}

	if err := m.commitSessionEvent(ctx, sess, sessionEventAccept, responderID, ""); err != nil {
		return rpc.SessionInfo{}, nil, err
	}
	m.log.Debugf("Accepted session %s by %s", sessionID, responderID)
	return sessionInfo(sess, responderID), offer, nil
}

// RotateSession records a fresh ratchet epoch on an ACTIVE session, sealing
// the caller's post-rotation ratchet state.
func (m *Manager) RotateSession(ctx context.Context, principalID, sessionID string,
	newState *disk.RatchetState) (rpc.SessionInfo, error) {

	rec := AuditRecord{Op: "session.rotate", PrincipalID: principalID, AggregateID: sessionID}
	info, err := m.rotateSession(ctx, principalID, sessionID, newState)
	rec.Digest = info.RatchetStateDigest
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) rotateSession(ctx context.Context, principalID, sessionID string,
	newState *disk.RatchetState) (rpc.SessionInfo, error) {

	if err := m.authorize(ctx, principalID, "session.rotate", sessionID); err != nil {
		return rpc.SessionInfo{}, err
	}

	release, err := m.lock(ctx, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	defer release()

	sess, err := m.loadSessionFor(ctx, principalID, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	if m.sessionExpired(sess) {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionExpired, sessionID)
	}
	if sess.State != rpc.SessionStateActive {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionStateInvalid,
			"rotate on "+sess.State+" session "+sessionID)
	}

	if newState != nil {
		blob, digest, err := m.sealer.seal(newState)
		if err != nil {
			return rpc.SessionInfo{}, err
		}
		sess.RatchetBlobs[principalID] = serverdb.RatchetBlob{Blob: blob, Digest: digest}
	}

	if err := m.commitSessionEvent(ctx, sess, sessionEventRotate, principalID, ""); err != nil {
		return rpc.SessionInfo{}, err
	}
	m.log.Debugf("Rotated session %s by %s", sessionID, principalID)
	return sessionInfo(sess, principalID), nil
}

// CloseSession transitions a session to CLOSED. The record and its event
// chain are retained; the sealed ratchet blobs are discarded.
func (m *Manager) CloseSession(ctx context.Context, principalID, sessionID string) (rpc.SessionInfo, error) {
	rec := AuditRecord{Op: "session.close", PrincipalID: principalID, AggregateID: sessionID}
	info, err := m.closeSession(ctx, principalID, sessionID)
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) closeSession(ctx context.Context, principalID, sessionID string) (rpc.SessionInfo, error) {
	if err := m.authorize(ctx, principalID, "session.close", sessionID); err != nil {
		return rpc.SessionInfo{}, err
	}

	release, err := m.lock(ctx, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	defer release()

	sess, err := m.loadSessionFor(ctx, principalID, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, err
	}
	if m.sessionExpired(sess) {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionExpired, sessionID)
	}
	if sess.State == rpc.SessionStateClosed {
		return rpc.SessionInfo{}, rpc.NewError(rpc.ErrCodeSessionStateInvalid,
			"close on CLOSED session "+sessionID)
	}

	sess.State = rpc.SessionStateClosed
	sess.RatchetBlobs = make(map[string]serverdb.RatchetBlob)
	sess.KeyOffer = nil

	if err := m.commitSessionEvent(ctx, sess, sessionEventClose, principalID, ""); err != nil {
		return rpc.SessionInfo{}, err
	}
	m.log.Debugf("Closed session %s by %s", sessionID, principalID)
	return sessionInfo(sess, principalID), nil
}

// GetSession returns the caller's view of a session together with its
// lifecycle chain. Non participants learn nothing, not even existence.
func (m *Manager) GetSession(ctx context.Context, principalID, sessionID string) (rpc.SessionInfo, []*ledger.Entry, error) {
	rec := AuditRecord{Op: "session.get", PrincipalID: principalID, AggregateID: sessionID}
	info, events, err := m.getSession(ctx, principalID, sessionID)
	m.record(ctx, rec, err)
	return info, events, err
}

func (m *Manager) getSession(ctx context.Context, principalID, sessionID string) (rpc.SessionInfo, []*ledger.Entry, error) {
	if err := m.authorize(ctx, principalID, "session.get", sessionID); err != nil {
		return rpc.SessionInfo{}, nil, err
	}

	sess, err := m.loadSessionFor(ctx, principalID, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, nil, err
	}
	events, err := m.db.SessionEvents(ctx, sessionID)
	if err != nil {
		return rpc.SessionInfo{}, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	return sessionInfo(sess, principalID), events, nil
}

// loadSessionFor fetches a session on behalf of a principal. Missing
// sessions and sessions the principal does not participate in are
// indistinguishable.
func (m *Manager) loadSessionFor(ctx context.Context, principalID, sessionID string) (*serverdb.SessionRecord, error) {
	sess, err := m.db.Session(ctx, sessionID)
	if err == serverdb.ErrNotFound {
		return nil, rpc.NewError(rpc.ErrCodeSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	if !isParticipant(sess, principalID) {
		return nil, rpc.NewError(rpc.ErrCodeSessionNotFound, sessionID)
	}
	if sess.RatchetBlobs == nil {
		sess.RatchetBlobs = make(map[string]serverdb.RatchetBlob)
	}
	return sess, nil
}

// commitSessionEvent appends one lifecycle event atomically with the session
// record.
func (m *Manager) commitSessionEvent(ctx context.Context, sess *serverdb.SessionRecord,
	eventType, actorID, targetID string) error {

	events, err := m.db.SessionEvents(ctx, sess.SessionID)
	if err != nil {
		return rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	event, err := ledger.Next(lastEvent(events), sess.SessionID,
		sessionEvent{Type: eventType}, actorID, targetID, m.now())
	if err != nil {
		return err
	}
	if err := m.db.CommitSession(ctx, sess, event); err != nil {
		return rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	return nil
}
