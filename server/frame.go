// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"strconv"

	"github.com/agentwire/agentwire/ratchet/disk"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/seqtrack"
	"github.com/agentwire/agentwire/server/serverdb"
)

// SendFrame validates and persists one encrypted frame from senderID. The
// declared digests are recomputed and the sender's sequence tracker advances
// atomically with the append. newState, when non nil, is the sender's
// post-encryption ratchet state and is resealed in the same commit.
func (m *Manager) SendFrame(ctx context.Context, senderID string, req *rpc.FrameSend,
	newState *disk.RatchetState) error {

	rec := AuditRecord{
		Op:          "frame.send",
		PrincipalID: senderID,
		AggregateID: req.SessionID,
		Seq:         req.SenderSeq,
		Size:        len(req.Header) + len(req.Ciphertext),
		Digest:      req.FrameDigest,
	}
	err := m.sendFrame(ctx, senderID, req, newState)
	m.record(ctx, rec, err)
	return err
}

func (m *Manager) sendFrame(ctx context.Context, senderID string, req *rpc.FrameSend,
	newState *disk.RatchetState) error {

	if err := m.authorize(ctx, senderID, "frame.send", req.SessionID); err != nil {
		return err
	}

	// Shape checks precede everything; no state is touched for a
	// malformed request.
	if req.SessionID == "" || len(req.Header) == 0 || len(req.Ciphertext) == 0 ||
		req.FrameDigest == "" || req.CiphertextHash == "" {
		return rpc.NewError(rpc.ErrCodeFrameSchemaInvalid, "missing frame fields")
	}
	if len(req.Ciphertext) > rpc.MaxFrameBytes {
		return rpc.NewError(rpc.ErrCodeFrameSizeExceeded,
			"ciphertext is "+strconv.Itoa(len(req.Ciphertext))+" bytes")
	}

	release, err := m.lock(ctx, req.SessionID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := m.loadSessionFor(ctx, senderID, req.SessionID)
	if err != nil {
		return err
	}
	if m.sessionExpired(sess) {
		return rpc.NewError(rpc.ErrCodeSessionExpired, req.SessionID)
	}
	if sess.State != rpc.SessionStateActive {
		return rpc.NewError(rpc.ErrCodeSessionStateInvalid,
			"send on "+sess.State+" session "+req.SessionID)
	}

	// Integrity: both declared digests must recompute exactly.
	ctHash := rpc.CiphertextHash(req.Ciphertext)
	if ctHash != req.CiphertextHash {
		return rpc.NewError(rpc.ErrCodeFrameCiphertextMismatch,
			"declared "+req.CiphertextHash+" computed "+ctHash)
	}
	digest, err := rpc.FrameDigest(req.SessionID, senderID, req.SenderSeq,
		req.Header, req.CiphertextHash)
	if err != nil {
		return err
	}
	if digest != req.FrameDigest {
		return rpc.NewError(rpc.ErrCodeFrameDigestMismatch,
			"declared "+req.FrameDigest+" computed "+digest)
	}

	tracker, err := m.db.Tracker(ctx, req.SessionID, senderID)
	if err != nil {
		return rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	switch err := tracker.Check(req.SenderSeq, m.maxFutureDelta); err {
	case nil:
	case seqtrack.ErrReplay:
		return rpc.NewError(rpc.ErrCodeFrameReplayDetected,
			"seq "+strconv.FormatUint(req.SenderSeq, 10))
	case seqtrack.ErrTooFarFuture:
		return rpc.NewError(rpc.ErrCodeFrameSequenceTooFar,
			"seq "+strconv.FormatUint(req.SenderSeq, 10))
	default:
		return err
	}
	tracker.Observe(req.SenderSeq)

	frame := &rpc.Frame{
		SchemaID:       rpc.SchemaFrame,
		SchemaVersion:  rpc.SchemaVersion,
		SessionID:      req.SessionID,
		SenderID:       senderID,
		SenderSeq:      req.SenderSeq,
		RecipientID:    peerOf(sess, senderID),
		Header:         req.Header,
		Ciphertext:     req.Ciphertext,
		FrameDigest:    req.FrameDigest,
		CiphertextHash: req.CiphertextHash,
		CreatedAt:      m.now().Unix(),
	}

	var sessUpdate *serverdb.SessionRecord
	if newState != nil {
		blob, stateDigest, err := m.sealer.seal(newState)
		if err != nil {
			return err
		}
		sess.RatchetBlobs[senderID] = serverdb.RatchetBlob{Blob: blob, Digest: stateDigest}
		sessUpdate = sess
	}

	switch err := m.db.CommitFrame(ctx, frame, tracker, sessUpdate); err {
	case nil:
	case serverdb.ErrAlreadyStoredFrame:
		return rpc.NewError(rpc.ErrCodeFrameReplayDetected,
			"seq "+strconv.FormatUint(req.SenderSeq, 10))
	default:
		return rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}

	m.log.Tracef("Stored frame %s/%s/%d", req.SessionID, senderID, req.SenderSeq)
	return nil
}

// ReceiveFrames returns frames addressed to recipientID after cursor, in
// insertion order, along with the cursor to resume from and whether more
// frames remain past the page. Receive is a pure read: it takes no lock and
// may run concurrently with a writer.
func (m *Manager) ReceiveFrames(ctx context.Context, recipientID, sessionID,
	cursor string, max int) ([]rpc.Frame, string, bool, error) {

	rec := AuditRecord{Op: "frame.receive", PrincipalID: recipientID, AggregateID: sessionID}
	frames, next, more, err := m.receiveFrames(ctx, recipientID, sessionID, cursor, max)
	rec.Size = len(frames)
	m.record(ctx, rec, err)
	return frames, next, more, err
}

func (m *Manager) receiveFrames(ctx context.Context, recipientID, sessionID,
	cursor string, max int) ([]rpc.Frame, string, bool, error) {

	if err := m.authorize(ctx, recipientID, "frame.receive", sessionID); err != nil {
		return nil, "", false, err
	}

	var afterIdx uint64
	if cursor != "" {
		var err error
		afterIdx, err = strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", false, rpc.NewError(rpc.ErrCodeInvalidCursor, cursor)
		}
	}

	sess, err := m.loadSessionFor(ctx, recipientID, sessionID)
	if err != nil {
		return nil, "", false, err
	}
	if m.sessionExpired(sess) {
		return nil, "", false, rpc.NewError(rpc.ErrCodeSessionExpired, sessionID)
	}

	frames, nextIdx, hasMore, err := m.db.FramesFor(ctx, sessionID, recipientID, afterIdx, max)
	if err != nil {
		return nil, "", false, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	return frames, strconv.FormatUint(nextIdx, 10), hasMore, nil
}
