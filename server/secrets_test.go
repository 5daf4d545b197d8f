// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentwire/agentwire/ratchet/disk"
)

func TestBlobSealerRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	key[5] = 0x7f
	s, err := newBlobSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	state := &disk.RatchetState{
		RootKey:       bytes.Repeat([]byte{1}, 32),
		SendChainKey:  bytes.Repeat([]byte{2}, 32),
		SendCount:     7,
		RecvCount:     3,
		PrevSendCount: 5,
	}
	blob, digest, err := s.seal(state)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if digest == "" {
		t.Fatal("empty digest")
	}

	got, err := s.open(blob, digest)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got.RootKey, state.RootKey) || got.SendCount != 7 {
		t.Fatalf("state corrupted: %+v", got)
	}

	// Sealed blob must not contain the raw key material.
	if bytes.Contains(blob, state.RootKey) {
		t.Fatal("root key visible in sealed blob")
	}
}

func TestBlobSealerRejectsTampering(t *testing.T) {
	key := make([]byte, 32)
	s, err := newBlobSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	state := &disk.RatchetState{RootKey: bytes.Repeat([]byte{9}, 32)}
	blob, digest, err := s.seal(state)
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 1
	if _, err := s.open(tampered, digest); !errors.Is(err, errSealOpen) {
		t.Fatalf("tampered blob: %v", err)
	}

	// A digest for different state fails even with an intact blob.
	if _, err := s.open(blob, "deadbeef"); !errors.Is(err, errSealOpen) {
		t.Fatalf("wrong digest: %v", err)
	}

	// The wrong key cannot open the blob.
	otherKey := make([]byte, 32)
	otherKey[0] = 1
	other, err := newBlobSealer(otherKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.open(blob, digest); !errors.Is(err, errSealOpen) {
		t.Fatalf("wrong key: %v", err)
	}
}

func TestLoadOrCreateSealKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seal.key")

	key1, err := loadOrCreateSealKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != 32 {
		t.Fatalf("key length = %d", len(key1))
	}

	key2, err := loadOrCreateSealKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("key not stable across loads")
	}
}
