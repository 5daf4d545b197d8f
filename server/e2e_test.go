// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentwire/agentwire/identity"
	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/ratchet"
	"github.com/agentwire/agentwire/rpc"
)

// TestEndToEndSession drives a full session between two ratcheting agents
// through the manager: open, accept, 100 alternating frames, a rotation, one
// more frame and close. Every frame must decrypt in order at its recipient,
// a replayed frame must be rejected, and the lifecycle chain must hold
// exactly the four transition events.
func TestEndToEndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aliceID := identity.MustNew("alice")
	bobID := identity.MustNew("bob")

	aR, offer, err := ratchet.Initiate(rand.Reader, aliceID, &bobID.Public)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	info, err := env.mgr.OpenSession(ctx, "alice", "bob", offer,
		aR.DiskState(time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	sid := info.SessionID
	if info.RatchetStateDigest == "" {
		t.Fatal("initiator ratchet digest missing after open")
	}

	_, gotOffer, err := env.mgr.AcceptSession(ctx, "bob", sid, nil)
	if err != nil {
		t.Fatalf("AcceptSession: %v", err)
	}
	if gotOffer == nil {
		t.Fatal("no key offer returned on accept")
	}
	bR, err := ratchet.Accept(rand.Reader, bobID, &aliceID.Public, gotOffer)
	if err != nil {
		t.Fatalf("ratchet.Accept: %v", err)
	}

	// 100 frames, alternating sender. Each sender's seq is its own
	// zero-based counter.
	type sent struct {
		sender string
		seq    uint64
		msg    []byte
	}
	var all []sent
	var replayReq *rpc.FrameSend
	seqs := map[string]uint64{}
	for i := 0; i < 100; i++ {
		sender, r := "alice", aR
		if i%2 == 1 {
			sender, r = "bob", bR
		}
		msg := []byte(fmt.Sprintf("frame %d from %s", i, sender))
		header, ct, err := r.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		seq := seqs[sender]
		seqs[sender] = seq + 1

		req := buildFrameSend(t, sid, sender, seq, header, ct)
		if err := env.mgr.SendFrame(ctx, sender, req, r.DiskState(time.Hour)); err != nil {
			t.Fatalf("SendFrame %d: %v", i, err)
		}
		all = append(all, sent{sender: sender, seq: seq, msg: msg})
		if i == 50 {
			replayReq = req
		}
	}

	// Replaying frame #50 is rejected.
	if err := env.mgr.SendFrame(ctx, "alice", replayReq, nil); !errors.Is(err, rpc.ErrFrameReplayDetected) {
		t.Fatalf("replay of frame 50: %v", err)
	}

	// Each recipient drains its frames in order and decrypts.
	decryptAll := func(recipient string, r *ratchet.Ratchet, wantFrom string) int {
		t.Helper()
		frames, _, _, err := env.mgr.ReceiveFrames(ctx, recipient, sid, "", 0)
		if err != nil {
			t.Fatalf("ReceiveFrames %s: %v", recipient, err)
		}
		idx := 0
		for _, f := range frames {
			if f.SenderID != wantFrom {
				t.Fatalf("%s received frame from %s", recipient, f.SenderID)
			}
			pt, err := r.Decrypt(f.Header, f.Ciphertext)
			if err != nil {
				t.Fatalf("%s decrypt seq %d: %v", recipient, f.SenderSeq, err)
			}
			// Find the matching sent record.
			var want []byte
			for _, s := range all {
				if s.sender == wantFrom && s.seq == f.SenderSeq {
					want = s.msg
				}
			}
			if !bytes.Equal(pt, want) {
				t.Fatalf("%s frame seq %d decrypted wrong", recipient, f.SenderSeq)
			}
			idx++
		}
		return idx
	}
	if n := decryptAll("bob", bR, "alice"); n != 50 {
		t.Fatalf("bob decrypted %d frames, want 50", n)
	}
	if n := decryptAll("alice", aR, "bob"); n != 50 {
		t.Fatalf("alice decrypted %d frames, want 50", n)
	}

	// Rotate alice's sending chain and record the new epoch.
	if err := aR.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	rinfo, err := env.mgr.RotateSession(ctx, "alice", sid, aR.DiskState(time.Hour))
	if err != nil {
		t.Fatalf("RotateSession: %v", err)
	}
	if rinfo.RatchetStateDigest == "" {
		t.Fatal("ratchet digest missing after rotate")
	}

	// One more frame on the fresh epoch.
	lastMsg := []byte("frame after rotation")
	header, ct, err := aR.Encrypt(lastMsg)
	if err != nil {
		t.Fatal(err)
	}
	seq := seqs["alice"]
	req := buildFrameSend(t, sid, "alice", seq, header, ct)
	if err := env.mgr.SendFrame(ctx, "alice", req, aR.DiskState(time.Hour)); err != nil {
		t.Fatalf("post-rotation send: %v", err)
	}

	frames, _, _, err := env.mgr.ReceiveFrames(ctx, "bob", sid, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	last := frames[len(frames)-1]
	if last.SenderSeq != seq {
		t.Fatalf("last frame seq = %d, want %d", last.SenderSeq, seq)
	}
	pt, err := bR.Decrypt(last.Header, last.Ciphertext)
	if err != nil {
		t.Fatalf("post-rotation decrypt: %v", err)
	}
	if !bytes.Equal(pt, lastMsg) {
		t.Fatal("post-rotation frame corrupted")
	}

	if _, err := env.mgr.CloseSession(ctx, "alice", sid); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	// Exactly four lifecycle events forming a valid chain.
	_, events, err := env.mgr.GetSession(ctx, "alice", sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("lifecycle events = %d, want 4", len(events))
	}
	if err := ledger.VerifyChain(events); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	wantTypes := []string{"open", "accept", "rotate", "close"}
	for i, e := range events {
		if !bytes.Contains(e.EventJSON, []byte(`"`+wantTypes[i]+`"`)) {
			t.Fatalf("event %d = %s, want type %q", i, e.EventJSON, wantTypes[i])
		}
	}
}
