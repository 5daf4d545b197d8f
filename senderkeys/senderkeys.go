// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package senderkeys implements group frame encryption in the sender-keys
// model: every group member owns an independent sending chain, and each
// member holds the fan-out of every other member's chain for receiving.
// Removing a member bumps the group epoch; every remaining sender starts a
// fresh chain under the new epoch from a seed the removed member never
// learns, so retained state cannot decrypt anything sent afterwards.
package senderkeys

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const (
	keySize = 32

	// maxSkip bounds how many message keys a receiver derives ahead while
	// waiting for out-of-order frames on one chain.
	maxSkip = 1024

	chainContext = "agentwire/senderkeys/chain"
	msgContext   = "agentwire/senderkeys/msg"
)

var (
	// ErrDecryptionFailed is returned on authentication failure and on
	// already consumed chain positions.
	ErrDecryptionFailed = errors.New("group frame decryption failed")

	// ErrTooFarFuture is returned when a frame's position exceeds the
	// skip window.
	ErrTooFarFuture = errors.New("group frame too far in the future")

	// ErrUnknownSender is returned when no distribution for the frame's
	// (sender, epoch) pair is held.
	ErrUnknownSender = errors.New("no sender key distribution for frame")
)

// Distribution is the shareable description of one sender's chain for one
// epoch. It is delivered to every current group member when the chain
// starts; whoever holds it can decrypt that sender's frames for that epoch.
type Distribution struct {
	GroupID  string `json:"groupId"`
	SenderID string `json:"senderId"`
	Epoch    uint32 `json:"epoch"`
	Seed     []byte `json:"seed"`
}

// GroupFrame is one encrypted group message.
type GroupFrame struct {
	GroupID    string `json:"groupId"`
	SenderID   string `json:"senderId"`
	Epoch      uint32 `json:"epoch"`
	Seq        uint32 `json:"seq"`
	Ciphertext []byte `json:"ciphertext"`
}

// deriveChainStart expands a distribution seed into the chain's first key.
func deriveChainStart(d *Distribution) [keySize]byte {
	material := make([]byte, 0, len(d.Seed)+len(d.GroupID)+len(d.SenderID)+4)
	material = append(material, d.Seed...)
	material = append(material, d.GroupID...)
	material = append(material, d.SenderID...)
	material = binary.BigEndian.AppendUint32(material, d.Epoch)

	var k [keySize]byte
	blake3.DeriveKey(k[:], chainContext, material)
	return k
}

// stepChain advances ck one position, returning the message key. The old
// chain key is overwritten.
func stepChain(ck *[keySize]byte) [keySize]byte {
	var mk, next [keySize]byte
	blake3.DeriveKey(mk[:], msgContext, ck[:])
	blake3.DeriveKey(next[:], chainContext, ck[:])
	*ck = next
	return mk
}

// frameAD is the authenticated associated data binding a frame to its
// position.
func frameAD(groupID, senderID string, epoch, seq uint32) []byte {
	ad := make([]byte, 0, len(groupID)+len(senderID)+8)
	ad = append(ad, groupID...)
	ad = append(ad, senderID...)
	ad = binary.BigEndian.AppendUint32(ad, epoch)
	return binary.BigEndian.AppendUint32(ad, seq)
}

func sealFrame(mk *[keySize]byte, ad, plaintext []byte, seq uint32) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], seq)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func openFrame(mk *[keySize]byte, ad, ciphertext []byte, seq uint32) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], seq)
	return aead.Open(nil, nonce[:], ciphertext, ad)
}

// Sender is one member's sending chain for the current epoch.
type Sender struct {
	groupID  string
	senderID string
	epoch    uint32
	seq      uint32
	chainKey [keySize]byte
}

// NewSender starts a sending chain for (group, sender) at the given epoch,
// returning the sender and the distribution to share with current members.
func NewSender(rand io.Reader, groupID, senderID string, epoch uint32) (*Sender, *Distribution, error) {
	seed := make([]byte, keySize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, err
	}
	dist := &Distribution{
		GroupID:  groupID,
		SenderID: senderID,
		Epoch:    epoch,
		Seed:     seed,
	}
	s := &Sender{
		groupID:  groupID,
		senderID: senderID,
		epoch:    epoch,
		chainKey: deriveChainStart(dist),
	}
	return s, dist, nil
}

// Epoch returns the sender's current epoch.
func (s *Sender) Epoch() uint32 { return s.epoch }

// Encrypt seals plaintext at the next chain position. The spent message key
// and previous chain key are overwritten.
func (s *Sender) Encrypt(plaintext []byte) (*GroupFrame, error) {
	mk := stepChain(&s.chainKey)
	ct, err := sealFrame(&mk, frameAD(s.groupID, s.senderID, s.epoch, s.seq), plaintext, s.seq)
	zeroKey(&mk)
	if err != nil {
		return nil, err
	}
	frame := &GroupFrame{
		GroupID:    s.groupID,
		SenderID:   s.senderID,
		Epoch:      s.epoch,
		Seq:        s.seq,
		Ciphertext: ct,
	}
	s.seq++
	return frame, nil
}

// Rotate abandons the current chain and starts a fresh one under epoch,
// returning the new distribution. Called by every remaining sender when a
// member is removed.
func (s *Sender) Rotate(rand io.Reader, epoch uint32) (*Distribution, error) {
	seed := make([]byte, keySize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, err
	}
	dist := &Distribution{
		GroupID:  s.groupID,
		SenderID: s.senderID,
		Epoch:    epoch,
		Seed:     seed,
	}
	zeroKey(&s.chainKey)
	s.chainKey = deriveChainStart(dist)
	s.epoch = epoch
	s.seq = 0
	return dist, nil
}

type chainID struct {
	senderID string
	epoch    uint32
}

type recvChain struct {
	next     uint32
	chainKey [keySize]byte
	skipped  map[uint32][keySize]byte
}

// Fanout is one member's receiving state: a chain per known (sender, epoch)
// distribution.
type Fanout struct {
	groupID string
	chains  map[chainID]*recvChain
}

// NewFanout returns an empty receiving fan-out for a group.
func NewFanout(groupID string) *Fanout {
	return &Fanout{
		groupID: groupID,
		chains:  make(map[chainID]*recvChain),
	}
}

// Add installs a sender's distribution. Re-adding a known (sender, epoch)
// pair is a no-op so replayed distributions cannot rewind a chain.
func (f *Fanout) Add(d *Distribution) {
	if d.GroupID != f.groupID {
		return
	}
	id := chainID{senderID: d.SenderID, epoch: d.Epoch}
	if _, ok := f.chains[id]; ok {
		return
	}
	f.chains[id] = &recvChain{
		chainKey: deriveChainStart(d),
		skipped:  make(map[uint32][keySize]byte),
	}
}

// Decrypt opens a group frame using the matching sender chain. Failed
// authentication leaves the chain untouched.
func (f *Fanout) Decrypt(frame *GroupFrame) ([]byte, error) {
	c, ok := f.chains[chainID{senderID: frame.SenderID, epoch: frame.Epoch}]
	if !ok {
		return nil, ErrUnknownSender
	}
	ad := frameAD(f.groupID, frame.SenderID, frame.Epoch, frame.Seq)

	if mk, ok := c.skipped[frame.Seq]; ok {
		pt, err := openFrame(&mk, ad, frame.Ciphertext, frame.Seq)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		zeroKey(&mk)
		delete(c.skipped, frame.Seq)
		return pt, nil
	}
	if frame.Seq < c.next {
		return nil, ErrDecryptionFailed
	}
	if frame.Seq-c.next > maxSkip {
		return nil, ErrTooFarFuture
	}

	// Walk a copy forward so a forged frame cannot consume chain state.
	ck := c.chainKey
	staged := make(map[uint32][keySize]byte)
	for n := c.next; n < frame.Seq; n++ {
		staged[n] = stepChain(&ck)
	}
	mk := stepChain(&ck)
	pt, err := openFrame(&mk, ad, frame.Ciphertext, frame.Seq)
	zeroKey(&mk)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	for n, k := range staged {
		c.skipped[n] = k
	}
	c.chainKey = ck
	c.next = frame.Seq + 1
	return pt, nil
}

// Drop removes every chain belonging to senderID, for use when a member
// leaves.
func (f *Fanout) Drop(senderID string) {
	for id, c := range f.chains {
		if id.senderID == senderID {
			zeroKey(&c.chainKey)
			clear(c.skipped)
			delete(f.chains, id)
		}
	}
}

func zeroKey(k *[keySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
