// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"errors"
	"time"

	"github.com/agentwire/agentwire/ratchet/disk"
)

var errBadSerializedState = errors.New("bad serialized ratchet state")

// DiskState returns the serializable snapshot of the ratchet. Saved message
// keys older than maxLifetime are dropped, bounding how long keys for frames
// that never arrived stay alive.
func (r *Ratchet) DiskState(maxLifetime time.Duration) *disk.RatchetState {
	s := &disk.RatchetState{
		RootKey:            dup(r.rootKey),
		SendChainKey:       dup(r.sendChainKey),
		RecvChainKey:       dup(r.recvChainKey),
		SendRatchetPrivate: dup(r.sendRatchetPriv[:]),
		SendRatchetPublic:  dup(r.sendRatchetPub[:]),
		RecvRatchetPublic:  dup(r.recvRatchetPub[:]),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
	}

	cutoff := r.now().Add(-maxLifetime)
	for id, sk := range r.saved {
		if sk.created.Before(cutoff) {
			continue
		}
		s.SavedKeys = append(s.SavedKeys, disk.RatchetState_SavedKey{
			RatchetPublic: dup(id[:32]),
			Num:           savedKeyNum(id),
			Key:           dup(sk.key[:]),
			CreationTime:  sk.created.Unix(),
		})
	}
	return s
}

// Unmarshal restores ratchet state from a disk snapshot.
func (r *Ratchet) Unmarshal(s *disk.RatchetState) error {
	if len(s.RootKey) != keySize ||
		len(s.SendRatchetPrivate) != 32 ||
		len(s.SendRatchetPublic) != 32 ||
		len(s.RecvRatchetPublic) != 32 {
		return errBadSerializedState
	}
	if s.SendChainKey != nil && len(s.SendChainKey) != keySize {
		return errBadSerializedState
	}
	if s.RecvChainKey != nil && len(s.RecvChainKey) != keySize {
		return errBadSerializedState
	}

	r.rootKey = dup(s.RootKey)
	r.sendChainKey = dup(s.SendChainKey)
	r.recvChainKey = dup(s.RecvChainKey)
	copy(r.sendRatchetPriv[:], s.SendRatchetPrivate)
	copy(r.sendRatchetPub[:], s.SendRatchetPublic)
	copy(r.recvRatchetPub[:], s.RecvRatchetPublic)
	r.sendCount = s.SendCount
	r.recvCount = s.RecvCount
	r.prevSendCount = s.PrevSendCount

	r.saved = make(map[[36]byte]savedKey, len(s.SavedKeys))
	for _, sk := range s.SavedKeys {
		if len(sk.RatchetPublic) != 32 || len(sk.Key) != keySize {
			return errBadSerializedState
		}
		var pub [32]byte
		copy(pub[:], sk.RatchetPublic)
		entry := savedKey{created: time.Unix(sk.CreationTime, 0)}
		copy(entry.key[:], sk.Key)
		r.saved[savedKeyID(pub, sk.Num)] = entry
	}
	return nil
}

func savedKeyNum(id [36]byte) uint32 {
	return uint32(id[32])<<24 | uint32(id[33])<<16 | uint32(id[34])<<8 | uint32(id[35])
}
