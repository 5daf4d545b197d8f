// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport implements the encrypted link between an agent and the
// server. A connecting client encapsulates a shared key to the server's
// published KEM key; both ends then exchange length-framed secretbox
// messages under direction-split nonce counters.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agentwire/agentwire/identity"
)

var (
	ErrDecrypt        = errors.New("decrypt failure")
	ErrOverflow       = errors.New("message too large")
	ErrInvalidKx      = errors.New("invalid kx")
	ErrNilTheirPubKey = errors.New("nil TheirPublicKey")
)

// KX carries one encrypted connection. A connecting client sets
// TheirPublicKey and calls Initiate; the server sets OurPrivateKey and calls
// Respond once per accepted connection.
type KX struct {
	Conn           io.ReadWriter
	MaxMessageSize uint
	OurPrivateKey  *identity.SntrupPrivateKey
	TheirPublicKey *identity.SntrupPublicKey

	key      [32]byte
	writeSeq *nonceSequence
	readSeq  *nonceSequence
}

// Initiate performs the client half of the key exchange: encapsulate a
// fresh shared key to the server's KEM key and send the ciphertext.
func (kx *KX) Initiate() error {
	if kx.TheirPublicKey == nil {
		return ErrNilTheirPubKey
	}

	c, k, err := sntrup4591761.Encapsulate(rand.Reader,
		(*sntrup4591761.PublicKey)(kx.TheirPublicKey))
	if err != nil {
		return ErrInvalidKx
	}

	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(c)))
	if _, err := kx.Conn.Write(lenBytes[:]); err != nil {
		return err
	}
	if _, err := kx.Conn.Write(c[:]); err != nil {
		return err
	}

	kx.key = *k
	kx.writeSeq = newNonceSequence(halfForClient)
	kx.readSeq = newNonceSequence(halfForServer)
	return nil
}

// Respond performs the server half of the key exchange: receive the
// ciphertext and decapsulate the shared key.
func (kx *KX) Respond() error {
	var lenBytes [4]byte
	if _, err := io.ReadFull(kx.Conn, lenBytes[:]); err != nil {
		return err
	}
	if l := binary.LittleEndian.Uint32(lenBytes[:]); l != sntrup4591761.CiphertextSize {
		return fmt.Errorf("invalid ciphertext size received: %d", l)
	}
	c := new(sntrup4591761.Ciphertext)
	if _, err := io.ReadFull(kx.Conn, c[:]); err != nil {
		return err
	}

	k, ok := sntrup4591761.Decapsulate(c, (*sntrup4591761.PrivateKey)(kx.OurPrivateKey))
	if ok != 1 {
		return ErrInvalidKx
	}

	kx.key = *k
	kx.writeSeq = newNonceSequence(halfForServer)
	kx.readSeq = newNonceSequence(halfForClient)
	return nil
}

// Read receives and opens one message.
func (kx *KX) Read() ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(kx.Conn, lenBytes[:]); err != nil {
		return nil, err
	}
	l := binary.LittleEndian.Uint32(lenBytes[:])
	if l > uint32(kx.MaxMessageSize) {
		return nil, fmt.Errorf("len > max message size: %d > %d", l, kx.MaxMessageSize)
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(kx.Conn, payload); err != nil {
		return nil, err
	}

	data, ok := secretbox.Open(nil, payload, kx.readSeq.Nonce(), &kx.key)
	kx.readSeq.Decrease()
	if !ok {
		return nil, ErrDecrypt
	}
	return data, nil
}

// Write seals and sends one message.
func (kx *KX) Write(data []byte) error {
	payload := secretbox.Seal(nil, data, kx.writeSeq.Nonce(), &kx.key)
	kx.writeSeq.Decrease()
	if uint(len(payload)) > kx.MaxMessageSize {
		return ErrOverflow
	}

	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	if _, err := kx.Conn.Write(lenBytes[:]); err != nil {
		return err
	}
	_, err := kx.Conn.Write(payload)
	return err
}
