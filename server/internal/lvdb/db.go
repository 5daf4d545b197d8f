// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lvdb implements serverdb.ServerDB on top of a local leveldb
// database. Every Commit* method issues a single WriteBatch, so the multiple
// records of one logical operation become durable together or not at all.
package lvdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/seqtrack"
	"github.com/agentwire/agentwire/server/serverdb"
)

// Key prefixes. Ids never contain '/', so prefix scans cannot collide.
const (
	prefixSession       = "s/"  // s/<sessionID> -> SessionRecord
	prefixSessionPair   = "sp/" // sp/<initiator>/<responder> -> sessionID
	prefixSessionEvents = "se/" // se/<sessionID>/<seq BE64> -> ledger.Entry
	prefixGroup         = "g/"  // g/<groupID> -> GroupRecord
	prefixGroupEvents   = "ge/" // ge/<groupID>/<seq BE64> -> ledger.Entry
	prefixFrame         = "f/"  // f/<sessionID>/<idx BE64> -> rpc.Frame
	prefixFrameUnique   = "fx/" // fx/<sessionID>/<sender>/<seq BE64> -> idx BE64
	prefixFrameCounter  = "fc/" // fc/<sessionID> -> next idx BE64
	prefixGFrame        = "gf/" // gf/<groupID>/<idx BE64> -> rpc.GroupFrame
	prefixGFrameUnique  = "gx/" // gx/<groupID>#<epoch>/<sender>/<seq BE64> -> idx BE64
	prefixGFrameCounter = "gc/" // gc/<groupID> -> next idx BE64
	prefixTracker       = "t/"  // t/<aggregateID>/<sender> -> seqtrack.State
)

// DB implements serverdb.ServerDB.
type DB struct {
	ldb *leveldb.DB
}

var _ serverdb.ServerDB = (*DB)(nil)

// New opens (creating if necessary) the database rooted at dir.
func New(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &DB{ldb: ldb}, nil
}

func (d *DB) Close() error {
	return d.ldb.Close()
}

func (d *DB) HealthCheck(ctx context.Context) error {
	_, err := d.ldb.Get([]byte("health"), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func seqKey(prefix, id string, seq uint64) []byte {
	k := make([]byte, 0, len(prefix)+len(id)+9)
	k = append(k, prefix...)
	k = append(k, id...)
	k = append(k, '/')
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func getJSON(ldb *leveldb.DB, key []byte, v any) error {
	raw, err := ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return serverdb.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func putJSON(b *leveldb.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Put(key, raw)
	return nil
}

func (d *DB) Session(ctx context.Context, sessionID string) (*serverdb.SessionRecord, error) {
	var rec serverdb.SessionRecord
	if err := getJSON(d.ldb, []byte(prefixSession+sessionID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *DB) ActiveSessionByPair(ctx context.Context, initiatorID, responderID string) (*serverdb.SessionRecord, error) {
	key := []byte(prefixSessionPair + initiatorID + "/" + responderID)
	sid, err := d.ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, serverdb.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.Session(ctx, string(sid))
}

func (d *DB) CommitSession(ctx context.Context, rec *serverdb.SessionRecord, event *ledger.Entry) error {
	b := new(leveldb.Batch)
	if err := putJSON(b, []byte(prefixSession+rec.SessionID), rec); err != nil {
		return err
	}

	// The pair index tracks only the live (PENDING/ACTIVE) session for an
	// ordered pair, enforcing at most one at a time.
	pairKey := []byte(prefixSessionPair + rec.InitiatorID + "/" + rec.ResponderID)
	if rec.State == rpc.SessionStateClosed {
		b.Delete(pairKey)
	} else {
		b.Put(pairKey, []byte(rec.SessionID))
	}

	if event != nil {
		key := seqKey(prefixSessionEvents, rec.SessionID, event.Seq)
		if err := putJSON(b, key, event); err != nil {
			return err
		}
	}
	return d.ldb.Write(b, &opt.WriteOptions{Sync: true})
}

func (d *DB) SessionEvents(ctx context.Context, sessionID string) ([]*ledger.Entry, error) {
	return d.events(prefixSessionEvents, sessionID)
}

func (d *DB) Group(ctx context.Context, groupID string) (*serverdb.GroupRecord, error) {
	var rec serverdb.GroupRecord
	if err := getJSON(d.ldb, []byte(prefixGroup+groupID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *DB) CommitGroup(ctx context.Context, rec *serverdb.GroupRecord, events ...*ledger.Entry) error {
	b := new(leveldb.Batch)
	if err := putJSON(b, []byte(prefixGroup+rec.GroupID), rec); err != nil {
		return err
	}
	for _, event := range events {
		if event == nil {
			continue
		}
		key := seqKey(prefixGroupEvents, rec.GroupID, event.Seq)
		if err := putJSON(b, key, event); err != nil {
			return err
		}
	}
	return d.ldb.Write(b, &opt.WriteOptions{Sync: true})
}

func (d *DB) GroupEvents(ctx context.Context, groupID string) ([]*ledger.Entry, error) {
	return d.events(prefixGroupEvents, groupID)
}

func (d *DB) events(prefix, id string) ([]*ledger.Entry, error) {
	var entries []*ledger.Entry
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefix+id+"/")), nil)
	defer it.Release()
	for it.Next() {
		var e ledger.Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, it.Error()
}

func (d *DB) CommitFrame(ctx context.Context, frame *rpc.Frame, tracker *seqtrack.State, rec *serverdb.SessionRecord) error {
	uniqKey := seqKey(prefixFrameUnique, frame.SessionID+"/"+frame.SenderID, frame.SenderSeq)
	if _, err := d.ldb.Get(uniqKey, nil); err == nil {
		return serverdb.ErrAlreadyStoredFrame
	} else if err != leveldb.ErrNotFound {
		return err
	}

	// Insertion index within the session; the single writer per session
	// makes the read-increment safe.
	var idx uint64
	counterKey := []byte(prefixFrameCounter + frame.SessionID)
	raw, err := d.ldb.Get(counterKey, nil)
	switch {
	case err == nil:
		idx = binary.BigEndian.Uint64(raw)
	case err != leveldb.ErrNotFound:
		return err
	}

	b := new(leveldb.Batch)
	if err := putJSON(b, seqKey(prefixFrame, frame.SessionID, idx), frame); err != nil {
		return err
	}
	var idxB [8]byte
	binary.BigEndian.PutUint64(idxB[:], idx)
	b.Put(uniqKey, idxB[:])
	var nextB [8]byte
	binary.BigEndian.PutUint64(nextB[:], idx+1)
	b.Put(counterKey, nextB[:])

	if tracker != nil {
		trackerKey := []byte(prefixTracker + frame.SessionID + "/" + frame.SenderID)
		if err := putJSON(b, trackerKey, tracker); err != nil {
			return err
		}
	}
	if rec != nil {
		if err := putJSON(b, []byte(prefixSession+rec.SessionID), rec); err != nil {
			return err
		}
	}
	return d.ldb.Write(b, &opt.WriteOptions{Sync: true})
}

func (d *DB) Frame(ctx context.Context, sessionID, senderID string, seq uint64) (*rpc.Frame, error) {
	uniqKey := seqKey(prefixFrameUnique, sessionID+"/"+senderID, seq)
	idxB, err := d.ldb.Get(uniqKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, serverdb.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var frame rpc.Frame
	key := seqKey(prefixFrame, sessionID, binary.BigEndian.Uint64(idxB))
	if err := getJSON(d.ldb, key, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (d *DB) FramesFor(ctx context.Context, sessionID, recipientID string, afterIdx uint64, max int) ([]rpc.Frame, uint64, bool, error) {
	var frames []rpc.Frame
	var hasMore bool
	last := afterIdx

	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefixFrame+sessionID+"/")), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		idx := binary.BigEndian.Uint64(key[len(key)-8:])
		if idx < afterIdx {
			continue
		}
		var frame rpc.Frame
		if err := json.Unmarshal(it.Value(), &frame); err != nil {
			return nil, 0, false, err
		}
		if frame.RecipientID != recipientID {
			continue
		}
		if max > 0 && len(frames) >= max {
			// An eligible frame beyond the full page.
			hasMore = true
			break
		}
		frames = append(frames, frame)
		last = idx + 1
	}
	return frames, last, hasMore, it.Error()
}

func (d *DB) CommitGroupFrame(ctx context.Context, frame *rpc.GroupFrame, tracker *seqtrack.State) error {
	epochAggr := serverdb.GroupEpochAggregate(frame.GroupID, frame.Epoch)
	uniqKey := seqKey(prefixGFrameUnique, epochAggr+"/"+frame.SenderID, frame.SenderSeq)
	if _, err := d.ldb.Get(uniqKey, nil); err == nil {
		return serverdb.ErrAlreadyStoredFrame
	} else if err != leveldb.ErrNotFound {
		return err
	}

	var idx uint64
	counterKey := []byte(prefixGFrameCounter + frame.GroupID)
	raw, err := d.ldb.Get(counterKey, nil)
	switch {
	case err == nil:
		idx = binary.BigEndian.Uint64(raw)
	case err != leveldb.ErrNotFound:
		return err
	}

	b := new(leveldb.Batch)
	if err := putJSON(b, seqKey(prefixGFrame, frame.GroupID, idx), frame); err != nil {
		return err
	}
	var idxB [8]byte
	binary.BigEndian.PutUint64(idxB[:], idx)
	b.Put(uniqKey, idxB[:])
	var nextB [8]byte
	binary.BigEndian.PutUint64(nextB[:], idx+1)
	b.Put(counterKey, nextB[:])

	if tracker != nil {
		trackerKey := []byte(prefixTracker + epochAggr + "/" + frame.SenderID)
		if err := putJSON(b, trackerKey, tracker); err != nil {
			return err
		}
	}
	return d.ldb.Write(b, &opt.WriteOptions{Sync: true})
}

func (d *DB) GroupFramesFor(ctx context.Context, groupID, memberID string, afterIdx uint64, max int) ([]rpc.GroupFrame, uint64, bool, error) {
	var frames []rpc.GroupFrame
	var hasMore bool
	last := afterIdx

	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefixGFrame+groupID+"/")), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		idx := binary.BigEndian.Uint64(key[len(key)-8:])
		if idx < afterIdx {
			continue
		}
		var frame rpc.GroupFrame
		if err := json.Unmarshal(it.Value(), &frame); err != nil {
			return nil, 0, false, err
		}
		if frame.SenderID == memberID {
			// Senders do not receive their own frames back.
			last = idx + 1
			continue
		}
		if max > 0 && len(frames) >= max {
			// An eligible frame beyond the full page.
			hasMore = true
			break
		}
		frames = append(frames, frame)
		last = idx + 1
	}
	return frames, last, hasMore, it.Error()
}

func (d *DB) Tracker(ctx context.Context, aggregateID, senderID string) (*seqtrack.State, error) {
	var st seqtrack.State
	key := []byte(prefixTracker + aggregateID + "/" + senderID)
	err := getJSON(d.ldb, key, &st)
	if err == serverdb.ErrNotFound {
		return seqtrack.NewState(), nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
