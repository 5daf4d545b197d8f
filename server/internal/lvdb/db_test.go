// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lvdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/server/serverdb"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(id string) *serverdb.SessionRecord {
	return &serverdb.SessionRecord{
		SchemaID:      rpc.SchemaSession,
		SchemaVersion: rpc.SchemaVersion,
		SessionID:     id,
		State:         rpc.SessionStatePending,
		InitiatorID:   "alice",
		ResponderID:   "bob",
		CreatedAt:     time.Now().Unix(),
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Session(ctx, "nope"); !errors.Is(err, serverdb.ErrNotFound) {
		t.Fatalf("missing session: %v", err)
	}

	rec := testSession("sess-1")
	event, err := ledger.Next(nil, rec.SessionID,
		map[string]any{"type": "open"}, "alice", "bob", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CommitSession(ctx, rec, event); err != nil {
		t.Fatalf("CommitSession: %v", err)
	}

	got, err := db.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.InitiatorID != "alice" || got.State != rpc.SessionStatePending {
		t.Fatalf("unexpected record: %+v", got)
	}

	events, err := db.SessionEvents(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Digest != event.Digest {
		t.Fatalf("events = %+v", events)
	}
	if err := ledger.VerifyChain(events); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestActiveSessionByPair(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testSession("sess-1")
	rec.State = rpc.SessionStateActive
	if err := db.CommitSession(ctx, rec, nil); err != nil {
		t.Fatal(err)
	}

	got, err := db.ActiveSessionByPair(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("ActiveSessionByPair: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("got %q", got.SessionID)
	}

	// Ordered pair: the reverse direction is a different slot.
	if _, err := db.ActiveSessionByPair(ctx, "bob", "alice"); !errors.Is(err, serverdb.ErrNotFound) {
		t.Fatalf("reverse pair: %v", err)
	}

	// Closing frees the slot.
	rec.State = rpc.SessionStateClosed
	if err := db.CommitSession(ctx, rec, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ActiveSessionByPair(ctx, "alice", "bob"); !errors.Is(err, serverdb.ErrNotFound) {
		t.Fatalf("after close: %v", err)
	}
}

func testFrame(sid, sender, recipient string, seq uint64) *rpc.Frame {
	return &rpc.Frame{
		SchemaID:       rpc.SchemaFrame,
		SchemaVersion:  rpc.SchemaVersion,
		SessionID:      sid,
		SenderID:       sender,
		SenderSeq:      seq,
		RecipientID:    recipient,
		Header:         []byte{1, 2, 3},
		Ciphertext:     []byte{4, 5, 6},
		FrameDigest:    "d",
		CiphertextHash: "h",
		CreatedAt:      time.Now().Unix(),
	}
}

func TestFrameUniqueness(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	f := testFrame("sess-1", "alice", "bob", 0)
	if err := db.CommitFrame(ctx, f, nil, nil); err != nil {
		t.Fatalf("CommitFrame: %v", err)
	}
	err := db.CommitFrame(ctx, testFrame("sess-1", "alice", "bob", 0), nil, nil)
	if !errors.Is(err, serverdb.ErrAlreadyStoredFrame) {
		t.Fatalf("duplicate: %v", err)
	}

	// Same seq from the other sender is distinct.
	if err := db.CommitFrame(ctx, testFrame("sess-1", "bob", "alice", 0), nil, nil); err != nil {
		t.Fatalf("other sender: %v", err)
	}

	got, err := db.Frame(ctx, "sess-1", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.CiphertextHash != "h" {
		t.Fatalf("frame = %+v", got)
	}
}

func TestFramesForCursorAndIsolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Interleave frames to both recipients.
	for seq := uint64(0); seq < 3; seq++ {
		if err := db.CommitFrame(ctx, testFrame("sess-1", "alice", "bob", seq), nil, nil); err != nil {
			t.Fatal(err)
		}
		if err := db.CommitFrame(ctx, testFrame("sess-1", "bob", "alice", seq), nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	frames, cursor, more, err := db.FramesFor(ctx, "sess-1", "bob", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 || more {
		t.Fatalf("bob got %d frames, hasMore = %v", len(frames), more)
	}
	for i, f := range frames {
		if f.RecipientID != "bob" || f.SenderSeq != uint64(i) {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}

	// A short page reports the frames left behind.
	frames, _, more, err = db.FramesFor(ctx, "sess-1", "bob", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || !more {
		t.Fatalf("short page: %d frames, hasMore = %v", len(frames), more)
	}

	// Resuming from the cursor returns nothing new.
	frames, _, _, err = db.FramesFor(ctx, "sess-1", "bob", cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("cursor resume returned %d frames", len(frames))
	}

	// New frame appears after the old cursor.
	if err := db.CommitFrame(ctx, testFrame("sess-1", "alice", "bob", 3), nil, nil); err != nil {
		t.Fatal(err)
	}
	frames, _, _, err = db.FramesFor(ctx, "sess-1", "bob", cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].SenderSeq != 3 {
		t.Fatalf("after cursor: %+v", frames)
	}
}

func testGroupFrame(gid, sender string, seq uint64, epoch uint32) *rpc.GroupFrame {
	return &rpc.GroupFrame{
		SchemaID:       rpc.SchemaGroupFrame,
		SchemaVersion:  rpc.SchemaVersion,
		GroupID:        gid,
		SenderID:       sender,
		SenderSeq:      seq,
		Epoch:          epoch,
		Header:         []byte{1, 2, 3},
		Ciphertext:     []byte{4, 5, 6},
		FrameDigest:    "d",
		CiphertextHash: "h",
		CreatedAt:      time.Now().Unix(),
	}
}

func TestGroupFrameUniquenessPerEpoch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "alice", 0, 0), nil); err != nil {
		t.Fatalf("CommitGroupFrame: %v", err)
	}
	err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "alice", 0, 0), nil)
	if !errors.Is(err, serverdb.ErrAlreadyStoredFrame) {
		t.Fatalf("duplicate: %v", err)
	}

	// Chains restart at zero after a rotation: seq 0 at the next epoch is
	// a distinct frame.
	if err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "alice", 0, 1), nil); err != nil {
		t.Fatalf("next epoch: %v", err)
	}
	if err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "bob", 0, 0), nil); err != nil {
		t.Fatalf("other sender: %v", err)
	}
}

func TestGroupFramesForExcludesSender(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for seq := uint64(0); seq < 2; seq++ {
		if err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "alice", seq, 0), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CommitGroupFrame(ctx, testGroupFrame("grp-1", "bob", 0, 0), nil); err != nil {
		t.Fatal(err)
	}

	frames, cursor, more, err := db.GroupFramesFor(ctx, "grp-1", "alice", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].SenderID != "bob" || more {
		t.Fatalf("alice got %+v, hasMore = %v", frames, more)
	}

	// The cursor advances past own frames too.
	frames, _, _, err = db.GroupFramesFor(ctx, "grp-1", "alice", cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("cursor resume returned %d frames", len(frames))
	}
}

func TestTrackerPersistence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	st, err := db.Tracker(ctx, "sess-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastContiguous != -1 {
		t.Fatalf("fresh tracker: %+v", st)
	}

	st.Observe(0)
	st.Observe(1)
	st.Observe(5)
	f := testFrame("sess-1", "alice", "bob", 0)
	if err := db.CommitFrame(ctx, f, st, nil); err != nil {
		t.Fatal(err)
	}

	got, err := db.Tracker(ctx, "sess-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastContiguous != 1 || len(got.Pending) != 1 || got.Pending[0] != 5 {
		t.Fatalf("tracker = %+v", got)
	}
}
