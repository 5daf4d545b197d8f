// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/server/serverdb"
)

// Group membership event types recorded in the hash chain.
const (
	groupEventCreate = "create"
	groupEventJoin   = "join"
	groupEventLeave  = "leave"
	groupEventRotate = "rotate"
	groupEventClose  = "close"
)

type groupEvent struct {
	Type  string `json:"type"`
	Epoch uint32 `json:"epoch,omitempty"`
}

// foldMembers replays a group's event chain into its live membership.
// Nothing but the chain feeds this; there is no separately stored member
// set to drift from it.
func foldMembers(events []*ledger.Entry) (map[string]bool, error) {
	members := make(map[string]bool)
	for _, e := range events {
		var ev groupEvent
		if err := json.Unmarshal(e.EventJSON, &ev); err != nil {
			return nil, err
		}
		switch ev.Type {
		case groupEventCreate:
			members[e.ActorID] = true
		case groupEventJoin:
			members[e.TargetID] = true
		case groupEventLeave:
			delete(members, e.TargetID)
		}
	}
	return members, nil
}

func memberList(members map[string]bool) []string {
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func groupInfo(rec *serverdb.GroupRecord, members map[string]bool) rpc.GroupInfo {
	return rpc.GroupInfo{
		GroupID: rec.GroupID,
		OwnerID: rec.OwnerID,
		State:   rec.State,
		Epoch:   rec.Epoch,
		Members: memberList(members),
	}
}

// CreateGroup creates an OPEN group owned by ownerID, who is its first
// member.
func (m *Manager) CreateGroup(ctx context.Context, ownerID string, ttl time.Duration) (rpc.GroupInfo, error) {
	rec := AuditRecord{Op: "group.create", PrincipalID: ownerID}
	info, err := m.createGroup(ctx, ownerID, ttl)
	rec.AggregateID = info.GroupID
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) createGroup(ctx context.Context, ownerID string, ttl time.Duration) (rpc.GroupInfo, error) {
	if err := m.authorize(ctx, ownerID, "group.create", ""); err != nil {
		return rpc.GroupInfo{}, err
	}
	if ownerID == "" {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeGroupStateInvalid, "missing owner")
	}

	groupID, err := newAggregateID()
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	if ttl <= 0 {
		ttl = m.sessionTTL
	}

	now := m.now()
	grp := &serverdb.GroupRecord{
		SchemaID:      rpc.SchemaGroup,
		SchemaVersion: rpc.SchemaVersion,
		GroupID:       groupID,
		OwnerID:       ownerID,
		State:         rpc.GroupStateOpen,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
	}

	event, err := ledger.Next(nil, groupID, groupEvent{Type: groupEventCreate},
		ownerID, "", now)
	if err != nil {
		return rpc.GroupInfo{}, err
	}

	release, err := m.lock(ctx, groupID)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	defer release()

	if err := m.db.CommitGroup(ctx, grp, event); err != nil {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	m.log.Debugf("Created group %s owned by %s", groupID, ownerID)
	return groupInfo(grp, map[string]bool{ownerID: true}), nil
}

// AddGroupMember appends a join event for memberID. Owner only.
func (m *Manager) AddGroupMember(ctx context.Context, actorID, groupID, memberID string) (rpc.GroupInfo, error) {
	rec := AuditRecord{Op: "group.member.add", PrincipalID: actorID,
		AggregateID: groupID, TargetID: memberID}
	info, err := m.addGroupMember(ctx, actorID, groupID, memberID)
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) addGroupMember(ctx context.Context, actorID, groupID, memberID string) (rpc.GroupInfo, error) {
	if err := m.authorize(ctx, actorID, "group.member.add", groupID); err != nil {
		return rpc.GroupInfo{}, err
	}
	if memberID == "" {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeMemberNotAllowed, "missing member id")
	}

	release, err := m.lock(ctx, groupID)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	defer release()

	grp, events, members, err := m.loadOpenGroup(ctx, actorID, groupID, true)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	if members[memberID] {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeMemberNotAllowed,
			memberID+" is already a member of "+groupID)
	}

	event, err := ledger.Next(lastEvent(events), groupID,
		groupEvent{Type: groupEventJoin}, actorID, memberID, m.now())
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	if err := m.db.CommitGroup(ctx, grp, event); err != nil {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	members[memberID] = true
	m.log.Debugf("Added %s to group %s", memberID, groupID)
	return groupInfo(grp, members), nil
}

// RemoveGroupMember appends a leave event for memberID and advances the
// sender-key epoch in the same commit, so every remaining sender rotates and
// the removed member cannot decrypt frames sent afterwards. Owner only; the
// owner cannot be removed.
func (m *Manager) RemoveGroupMember(ctx context.Context, actorID, groupID, memberID string) (rpc.GroupInfo, error) {
	rec := AuditRecord{Op: "group.member.remove", PrincipalID: actorID,
		AggregateID: groupID, TargetID: memberID}
	info, err := m.removeGroupMember(ctx, actorID, groupID, memberID)
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) removeGroupMember(ctx context.Context, actorID, groupID, memberID string) (rpc.GroupInfo, error) {
	if err := m.authorize(ctx, actorID, "group.member.remove", groupID); err != nil {
		return rpc.GroupInfo{}, err
	}

	release, err := m.lock(ctx, groupID)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	defer release()

	grp, events, members, err := m.loadOpenGroup(ctx, actorID, groupID, true)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	if memberID == grp.OwnerID {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeMemberNotAllowed,
			"owner cannot be removed from "+groupID)
	}
	if !members[memberID] {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeMemberNotAllowed,
			memberID+" is not a member of "+groupID)
	}

	leave, err := ledger.Next(lastEvent(events), groupID,
		groupEvent{Type: groupEventLeave}, actorID, memberID, m.now())
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	grp.Epoch++
	rotate, err := ledger.Next(leave, groupID,
		groupEvent{Type: groupEventRotate, Epoch: grp.Epoch}, actorID, "", m.now())
	if err != nil {
		return rpc.GroupInfo{}, err
	}

	// Both entries and the epoch bump land in one commit.
	if err := m.db.CommitGroup(ctx, grp, leave, rotate); err != nil {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	delete(members, memberID)
	m.log.Debugf("Removed %s from group %s, epoch now %d", memberID, groupID, grp.Epoch)
	return groupInfo(grp, members), nil
}

// CloseGroup transitions the group to CLOSED. Owner only.
func (m *Manager) CloseGroup(ctx context.Context, actorID, groupID string) (rpc.GroupInfo, error) {
	rec := AuditRecord{Op: "group.close", PrincipalID: actorID, AggregateID: groupID}
	info, err := m.closeGroup(ctx, actorID, groupID)
	m.record(ctx, rec, err)
	return info, err
}

func (m *Manager) closeGroup(ctx context.Context, actorID, groupID string) (rpc.GroupInfo, error) {
	if err := m.authorize(ctx, actorID, "group.close", groupID); err != nil {
		return rpc.GroupInfo{}, err
	}

	release, err := m.lock(ctx, groupID)
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	defer release()

	grp, events, members, err := m.loadOpenGroup(ctx, actorID, groupID, true)
	if err != nil {
		return rpc.GroupInfo{}, err
	}

	grp.State = rpc.GroupStateClosed
	event, err := ledger.Next(lastEvent(events), groupID,
		groupEvent{Type: groupEventClose}, actorID, "", m.now())
	if err != nil {
		return rpc.GroupInfo{}, err
	}
	if err := m.db.CommitGroup(ctx, grp, event); err != nil {
		return rpc.GroupInfo{}, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	m.log.Debugf("Closed group %s by %s", groupID, actorID)
	return groupInfo(grp, members), nil
}

// GetGroup returns the group view and its membership chain. Members only.
func (m *Manager) GetGroup(ctx context.Context, principalID, groupID string) (rpc.GroupInfo, []*ledger.Entry, error) {
	rec := AuditRecord{Op: "group.get", PrincipalID: principalID, AggregateID: groupID}
	info, events, err := m.getGroup(ctx, principalID, groupID)
	m.record(ctx, rec, err)
	return info, events, err
}

func (m *Manager) getGroup(ctx context.Context, principalID, groupID string) (rpc.GroupInfo, []*ledger.Entry, error) {
	if err := m.authorize(ctx, principalID, "group.get", groupID); err != nil {
		return rpc.GroupInfo{}, nil, err
	}

	grp, err := m.db.Group(ctx, groupID)
	if err == serverdb.ErrNotFound {
		return rpc.GroupInfo{}, nil, rpc.NewError(rpc.ErrCodeGroupNotFound, groupID)
	}
	if err != nil {
		return rpc.GroupInfo{}, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	events, err := m.db.GroupEvents(ctx, groupID)
	if err != nil {
		return rpc.GroupInfo{}, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	members, err := foldMembers(events)
	if err != nil {
		return rpc.GroupInfo{}, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	if !members[principalID] && principalID != grp.OwnerID {
		return rpc.GroupInfo{}, nil, rpc.NewError(rpc.ErrCodeGroupNotFound, groupID)
	}
	return groupInfo(grp, members), events, nil
}

// loadOpenGroup fetches a group for a mutating operation, verifying the
// actor is the owner (when ownerOnly) and the group is OPEN.
func (m *Manager) loadOpenGroup(ctx context.Context, actorID, groupID string,
	ownerOnly bool) (*serverdb.GroupRecord, []*ledger.Entry, map[string]bool, error) {

	grp, err := m.db.Group(ctx, groupID)
	if err == serverdb.ErrNotFound {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeGroupNotFound, groupID)
	}
	if err != nil {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	if ownerOnly && actorID != grp.OwnerID {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeMemberNotAllowed,
			actorID+" is not the owner of "+groupID)
	}
	if grp.State != rpc.GroupStateOpen {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeGroupStateInvalid,
			"group "+groupID+" is "+grp.State)
	}

	events, err := m.db.GroupEvents(ctx, groupID)
	if err != nil {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	members, err := foldMembers(events)
	if err != nil {
		return nil, nil, nil, rpc.NewError(rpc.ErrCodeFrameStoreError, err.Error())
	}
	return grp, events, members, nil
}
