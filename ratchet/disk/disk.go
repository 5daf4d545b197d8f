// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package disk holds the serializable form of ratchet state. The encoded
// state contains live key material: it must be stored encrypted and never
// written to logs or audit records.
package disk

// RatchetState is the serializable snapshot of one participant's session
// ratchet.
type RatchetState struct {
	RootKey            []byte                  `json:"rootKey"`
	SendChainKey       []byte                  `json:"sendChainKey"`
	RecvChainKey       []byte                  `json:"recvChainKey"`
	SendRatchetPrivate []byte                  `json:"sendPrivate"`
	SendRatchetPublic  []byte                  `json:"sendPublic"`
	RecvRatchetPublic  []byte                  `json:"recvPublic"`
	SendCount          uint32                  `json:"sendCount"`
	RecvCount          uint32                  `json:"recvCount"`
	PrevSendCount      uint32                  `json:"prevSendCount"`
	SavedKeys          []RatchetState_SavedKey `json:"savedKeys"`
}

// RatchetState_SavedKey is a message key retained for an out-of-order frame
// that has not arrived yet.
type RatchetState_SavedKey struct {
	RatchetPublic []byte `json:"ratchetPublic"`
	Num           uint32 `json:"num"`
	Key           []byte `json:"key"`
	CreationTime  int64  `json:"creationTime"`
}
