// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"strconv"

	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/seqtrack"
	"github.com/agentwire/agentwire/server/serverdb"
)

// SendGroupFrame validates and persists one encrypted group frame from
// senderID. The frame must be sealed under the group's current sender-key
// epoch; a member still sending under a rotated-out epoch is rejected and
// must re-key first.
func (m *Manager) SendGroupFrame(ctx context.Context, senderID string, req *rpc.GroupFrameSend) error {
	rec := AuditRecord{
		Op:          "group.frame.send",
		PrincipalID: senderID,
		AggregateID: req.GroupID,
		Seq:         req.SenderSeq,
		Size:        len(req.Header) + len(req.Ciphertext),
		Digest:      req.FrameDigest,
	}
	err := m.sendGroupFrame(ctx, senderID, req)
	m.record(ctx, rec, err)
	return err
}

func (m *Manager) sendGroupFrame(ctx context.Context, senderID string, req *rpc.GroupFrameSend) error {
	if err := m.authorize(ctx, senderID, "group.frame.send", req.GroupID); err != nil {
		return err
	}

	if req.GroupID == "" || len(req.Header) == 0 || len(req.Ciphertext) == 0 ||
		req.FrameDigest == "" || req.CiphertextHash == "" {
		return rpc.NewError(rpc.ErrCodeFrameSchemaInvalid, "missing group frame fields")
	}
	if len(req.Ciphertext) > rpc.MaxFrameBytes {
		return rpc.NewError(rpc.ErrCodeFrameSizeExceeded,
			"ciphertext is "+strconv.Itoa(len(req.Ciphertext))+" bytes")
	}

	release, err := m.lock(ctx, req.GroupID)
	if err != nil {
		return err
	}
	defer release()

	grp, _, members, err := m.loadOpenGroup(ctx, senderID, req.GroupID, false)
	if err != nil {
		return err
	}
	if !members[senderID] {
		return rpc.NewError(rpc.ErrCodeGroupNotFound, req.GroupID)
	}
	if req.Epoch != grp.Epoch {
		return rpc.NewError(rpc.ErrCodeGroupStateInvalid,
			"frame epoch "+strconv.FormatUint(uint64(req.Epoch), 10)+
				", group epoch "+strconv.FormatUint(uint64(grp.Epoch), 10))
	}

	ctHash := rpc.CiphertextHash(req.Ciphertext)
	if ctHash != req.CiphertextHash {
		return rpc.NewError(rpc.ErrCodeFrameCiphertextMismatch,
			"declared "+req.CiphertextHash+" computed "+ctHash)
	}
	digest, err := rpc.GroupFrameDigest(req.GroupID, senderID, req.SenderSeq,
		req.Epoch, req.Header, req.CiphertextHash)
	if err != nil {
		return err
	}
	if digest != req.FrameDigest {
		return rpc.NewError(rpc.ErrCodeFrameDigestMismatch,
			"declared "+req.FrameDigest+" computed "+digest)
	}

	// Sender chains restart at seq 0 on rotation, so tracking is scoped
	// to the epoch.
	tracker, err := m.db.Tracker(ctx, serverdb.GroupEpochAggregate(req.GroupID, req.Epoch), senderID)
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

	frame := &rpc.GroupFrame{
		SchemaID:       rpc.SchemaGroupFrame,
		SchemaVersion:  rpc.SchemaVersion,
		GroupID:        req.GroupID,
		SenderID:       senderID,
		SenderSeq:      req.SenderSeq,
		Epoch:          req.Epoch,
		Header:         req.Header,
		Ciphertext:     req.Ciphertext,
		FrameDigest:    req.FrameDigest,
		CiphertextHash: req.CiphertextHash,
		CreatedAt:      m.now().Unix(),
	}

	switch err := m.db.CommitGroupFrame(ctx, frame, tracker); err {
	case nil:
	case serverdb.ErrAlreadyStoredFrame:
		return rpc.NewError(rpc.ErrCodeFrameReplayDetected,
			"seq "+strconv.FormatUint(req.SenderSeq, 10))
	default:
		return rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}

	m.log.Tracef("Stored group frame %s/%s/%d", req.GroupID, senderID, req.SenderSeq)
	return nil
}

// ReceiveGroupFrames returns group frames sent by other members after
// cursor, in insertion order, along with the cursor to resume from and
// whether more frames remain past the page. Like session receive it is a
// pure read and still works on a CLOSED group so members can drain what was
// sent before the close.
func (m *Manager) ReceiveGroupFrames(ctx context.Context, memberID, groupID,
	cursor string, max int) ([]rpc.GroupFrame, string, bool, error) {

	rec := AuditRecord{Op: "group.frame.receive", PrincipalID: memberID, AggregateID: groupID}
	frames, next, more, err := m.receiveGroupFrames(ctx, memberID, groupID, cursor, max)
	rec.Size = len(frames)
	m.record(ctx, rec, err)
	return frames, next, more, err
}

func (m *Manager) receiveGroupFrames(ctx context.Context, memberID, groupID,
	cursor string, max int) ([]rpc.GroupFrame, string, bool, error) {

	if err := m.authorize(ctx, memberID, "group.frame.receive", groupID); err != nil {
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

	grp, err := m.db.Group(ctx, groupID)
	if err == serverdb.ErrNotFound {
		return nil, "", false, rpc.NewError(rpc.ErrCodeGroupNotFound, groupID)
	}
	if err != nil {
		return nil, "", false, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	events, err := m.db.GroupEvents(ctx, groupID)
	if err != nil {
		return nil, "", false, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	members, err := foldMembers(events)
	if err != nil {
		return nil, "", false, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	if !members[memberID] && memberID != grp.OwnerID {
		return nil, "", false, rpc.NewError(rpc.ErrCodeGroupNotFound, groupID)
	}

	frames, nextIdx, hasMore, err := m.db.GroupFramesFor(ctx, groupID, memberID, afterIdx, max)
	if err != nil {
		return nil, "", false, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	return frames, strconv.FormatUint(nextIdx, 10), hasMore, nil
}
