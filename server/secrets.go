// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agentwire/agentwire/canon"
	"github.com/agentwire/agentwire/ratchet/disk"
)

var errSealOpen = errors.New("could not open sealed ratchet blob")

// blobSealer encrypts ratchet state blobs at rest. Session records hold only
// the sealed form plus the digest of the cleartext state.
type blobSealer struct {
	key [32]byte
}

func newBlobSealer(key []byte) (*blobSealer, error) {
	if len(key) != 32 {
		return nil, errors.New("sealing key must be 32 bytes")
	}
	s := &blobSealer{}
	copy(s.key[:], key)
	return s, nil
}

// loadOrCreateSealKey reads the state sealing key from path, generating and
// persisting a fresh one on first use.
func loadOrCreateSealKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == 32 {
		return key, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// seal serializes and encrypts a ratchet state, returning the sealed blob
// and the digest of the canonical cleartext state.
func (s *blobSealer) seal(state *disk.RatchetState) (blob []byte, digest string, err error) {
	raw, err := canon.Marshal(state)
	if err != nil {
		return nil, "", err
	}
	digest = canon.DigestBytes(raw)

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, "", err
	}
	blob = secretbox.Seal(nonce[:], raw, &nonce, &s.key)
	return blob, digest, nil
}

// open decrypts a sealed blob and verifies it against the stored digest.
func (s *blobSealer) open(blob []byte, digest string) (*disk.RatchetState, error) {
	if len(blob) < 24 {
		return nil, errSealOpen
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	raw, ok := secretbox.Open(nil, blob[24:], &nonce, &s.key)
	if !ok {
		return nil, errSealOpen
	}
	if canon.DigestBytes(raw) != digest {
		return nil, errSealOpen
	}
	var state disk.RatchetState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errSealOpen
	}
	return &state, nil
}
