// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/rpc"
)

func createGroupWith(t *testing.T, env *testEnv, owner string, members ...string) string {
	t.Helper()
	ctx := context.Background()
	info, err := env.mgr.CreateGroup(ctx, owner, time.Hour)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, m := range members {
		if _, err := env.mgr.AddGroupMember(ctx, owner, info.GroupID, m); err != nil {
			t.Fatalf("AddGroupMember %s: %v", m, err)
		}
	}
	return info.GroupID
}

func TestGroupMembershipFold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gid := createGroupWith(t, env, "alice", "bob", "carol")

	info, events, err := env.mgr.GetGroup(ctx, "bob", gid)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(info.Members) != len(want) {
		t.Fatalf("members = %v", info.Members)
	}
	for i, m := range want {
		if info.Members[i] != m {
			t.Fatalf("members = %v, want %v", info.Members, want)
		}
	}
	if err := ledger.VerifyChain(events); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	// Removal drops the member and bumps the epoch in the same chain.
	info, err = env.mgr.RemoveGroupMember(ctx, "alice", gid, "carol")
	if err != nil {
		t.Fatalf("RemoveGroupMember: %v", err)
	}
	if info.Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", info.Epoch)
	}
	if len(info.Members) != 2 {
		t.Fatalf("members after removal = %v", info.Members)
	}

	_, events, err = env.mgr.GetGroup(ctx, "alice", gid)
	if err != nil {
		t.Fatal(err)
	}
	// create + 2 joins + leave + rotate.
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if err := ledger.VerifyChain(events); err != nil {
		t.Fatalf("chain after removal: %v", err)
	}
}

func TestGroupOwnerOnlyMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gid := createGroupWith(t, env, "alice", "bob")

	if _, err := env.mgr.AddGroupMember(ctx, "bob", gid, "carol"); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("add by non-owner: %v", err)
	}
	if _, err := env.mgr.RemoveGroupMember(ctx, "bob", gid, "bob"); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("remove by non-owner: %v", err)
	}
	if _, err := env.mgr.CloseGroup(ctx, "bob", gid); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("close by non-owner: %v", err)
	}
}

func TestGroupMembershipGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gid := createGroupWith(t, env, "alice", "bob")

	if _, err := env.mgr.AddGroupMember(ctx, "alice", gid, "bob"); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("duplicate add: %v", err)
	}
	if _, err := env.mgr.RemoveGroupMember(ctx, "alice", gid, "carol"); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("remove non-member: %v", err)
	}
	if _, err := env.mgr.RemoveGroupMember(ctx, "alice", gid, "alice"); !errors.Is(err, rpc.ErrMemberNotAllowed) {
		t.Fatalf("remove owner: %v", err)
	}
}

func TestGroupClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gid := createGroupWith(t, env, "alice", "bob")

	info, err := env.mgr.CloseGroup(ctx, "alice", gid)
	if err != nil {
		t.Fatalf("CloseGroup: %v", err)
	}
	if info.State != rpc.GroupStateClosed {
		t.Fatalf("state = %s", info.State)
	}

	if _, err := env.mgr.AddGroupMember(ctx, "alice", gid, "carol"); !errors.Is(err, rpc.ErrGroupStateInvalid) {
		t.Fatalf("add after close: %v", err)
	}
	if _, err := env.mgr.CloseGroup(ctx, "alice", gid); !errors.Is(err, rpc.ErrGroupStateInvalid) {
		t.Fatalf("double close: %v", err)
	}

	// Members can still read the closed group.
	got, _, err := env.mgr.GetGroup(ctx, "bob", gid)
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if got.State != rpc.GroupStateClosed {
		t.Fatalf("state = %s", got.State)
	}
}

func TestGroupVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gid := createGroupWith(t, env, "alice", "bob")

	if _, _, err := env.mgr.GetGroup(ctx, "mallory", gid); !errors.Is(err, rpc.ErrGroupNotFound) {
		t.Fatalf("outsider get: %v", err)
	}
	if _, _, err := env.mgr.GetGroup(ctx, "alice", "no-such-group"); !errors.Is(err, rpc.ErrGroupNotFound) {
		t.Fatalf("missing group: %v", err)
	}
}
