// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/agentwire/agentwire/canon"
)

// CiphertextHash returns the hex sha256 of a frame's ciphertext.
func CiphertextHash(ciphertext []byte) string {
	h := sha256.Sum256(ciphertext)
	return hex.EncodeToString(h[:])
}

// GroupFrameDigest computes the canonical digest binding a group frame's
// identity fields, including its sender-keys epoch, to its payload.
func GroupFrameDigest(groupID, senderID string, senderSeq uint64, epoch uint32,
	header []byte, ciphertextHash string) (string, error) {

	return canon.Digest(map[string]any{
		"schema_id":       SchemaGroupFrame,
		"schema_version":  SchemaVersion,
		"group_id":        groupID,
		"sender_id":       senderID,
		"sender_seq":      senderSeq,
		"epoch":           epoch,
		"header":          canon.EncodeBinary(header),
		"ciphertext_hash": ciphertextHash,
	})
}

// FrameDigest computes the canonical digest binding a frame's identity
// fields to its payload. Both sender and store compute it; the store rejects
// any frame whose declared digest does not recompute.
func FrameDigest(sessionID, senderID string, senderSeq uint64, header []byte, ciphertextHash string) (string, error) {
	return canon.Digest(map[string]any{
		"schema_id":       SchemaFrame,
		"schema_version":  SchemaVersion,
		"session_id":      sessionID,
		"sender_id":       senderID,
		"sender_seq":      senderSeq,
		"header":          canon.EncodeBinary(header),
		"ciphertext_hash": ciphertextHash,
	})
}
