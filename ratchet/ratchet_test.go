// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentwire/agentwire/identity"
)

func pairedRatchet(t *testing.T) (a, b *Ratchet) {
	t.Helper()
	alice := identity.MustNew("alice")
	bob := identity.MustNew("bob")

	a, offer, err := Initiate(rand.Reader, alice, &bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	b, err = Accept(rand.Reader, bob, &alice.Public, offer)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestExchange(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte(strings.Repeat("test message", 1024))
	header, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Decrypt(header, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func TestBothWays(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	for i := 0; i < 5; i++ {
		// a -> b
		header, ct, err := a.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		result, err := b.Decrypt(header, ct)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("result doesn't match: %x vs %x", msg, result)
		}

		// b -> a
		header, ct, err = b.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		result, err = a.Decrypt(header, ct)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("result doesn't match: %x vs %x", msg, result)
		}
	}
}

func TestCannotGoBackwards(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	header, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(header, ct); err != nil {
		t.Fatal(err)
	}

	// The per-message key was erased after use.
	if _, err := b.Decrypt(header, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("redecrypt: got %v, want ErrDecryptionFailed", err)
	}
}

func TestForwardSecrecy(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("past message")
	header, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(header, ct); err != nil {
		t.Fatal(err)
	}

	// An attacker holding b's current state cannot recover the key for
	// the already consumed step.
	stolen := New(rand.Reader)
	if err := stolen.Unmarshal(b.DiskState(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := stolen.Decrypt(header, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("stolen state decrypted past frame: %v", err)
	}
}

type scriptAction struct {
	object int
	result int
	id     int
}

const (
	sendA = iota
	sendB
	sendDelayed
	deliver
	drop
	delay
)

type ciphermsg struct {
	header []byte
	ct     []byte
}

func reinitRatchet(t *testing.T, r *Ratchet) *Ratchet {
	t.Helper()
	state := r.DiskState(1 * time.Hour)
	newR := New(rand.Reader)
	if err := newR.Unmarshal(state); err != nil {
		t.Fatalf("Failed to unmarshal: %s", err)
	}
	return newR
}

func testScript(t *testing.T, script []scriptAction) {
	type delayedMessage struct {
		msg   []byte
		cm    ciphermsg
		fromA bool
	}
	delayedMessages := make(map[int]delayedMessage)
	a, b := pairedRatchet(t)

	for i, action := range script {
		switch action.object {
		case sendA, sendB:
			sender, receiver := a, b
			if action.object == sendB {
				sender, receiver = receiver, sender
			}

			var msg [20]byte
			rand.Reader.Read(msg[:])
			header, ct, err := sender.Encrypt(msg[:])
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			switch action.result {
			case deliver:
				result, err := receiver.Decrypt(header, ct)
				if err != nil {
					t.Fatalf("#%d: receiver returned error: %s", i, err)
				}
				if !bytes.Equal(result, msg[:]) {
					t.Fatalf("#%d: bad message: got %x, not %x", i, result, msg[:])
				}
			case delay:
				if _, ok := delayedMessages[action.id]; ok {
					t.Fatalf("#%d: already have delayed message with id %d", i, action.id)
				}
				delayedMessages[action.id] = delayedMessage{msg[:], ciphermsg{header, ct}, sender == a}
			case drop:
			}
		case sendDelayed:
			delayed, ok := delayedMessages[action.id]
			if !ok {
				t.Fatalf("#%d: no such delayed message id: %d", i, action.id)
			}

			receiver := a
			if delayed.fromA {
				receiver = b
			}

			result, err := receiver.Decrypt(delayed.cm.header, delayed.cm.ct)
			if err != nil {
				t.Fatalf("#%d: receiver returned error: %s", i, err)
			}
			if !bytes.Equal(result, delayed.msg) {
				t.Fatalf("#%d: bad message: got %x, not %x", i, result, delayed.msg)
			}
		}

		a = reinitRatchet(t, a)
		b = reinitRatchet(t, b)
	}
}

func TestBackAndForth(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
	})
}

func TestReorder(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendA, delay, 0},
		{sendA, deliver, -1},
		{sendDelayed, deliver, 0},
	})
}

func TestReorderAfterRatchet(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendA, delay, 0},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendDelayed, deliver, 0},
	})
}

func TestDrop(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
	})
}

func TestRotate(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("before rotation")
	header, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(header, ct); err != nil {
		t.Fatal(err)
	}

	if err := a.Rotate(); err != nil {
		t.Fatal(err)
	}

	msg2 := []byte("after rotation")
	header, ct, err = a.Encrypt(msg2)
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Decrypt(header, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg2, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg2, result)
	}
}

func TestBigSkip(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	var header, ct []byte
	var err error
	for i := 0; i < maxMissingMessages+2; i++ {
		header, ct, err = a.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Decrypt(header, ct); !errors.Is(err, ErrTooFarFuture) {
		t.Fatalf("got %v, want ErrTooFarFuture", err)
	}
}

func TestBadKeyOffer(t *testing.T) {
	alice := identity.MustNew("alice")
	bob := identity.MustNew("bob")
	chris := identity.MustNew("chris")

	// Tampered responder bundle.
	tampered := bob.Public
	tampered.PreKey[0] ^= 0x01
	if _, _, err := Initiate(rand.Reader, alice, &tampered); !errors.Is(err, ErrKeyAgreementFailed) {
		t.Fatalf("tampered bundle: got %v", err)
	}

	// Offer replayed against a different responder.
	_, offer, err := Initiate(rand.Reader, alice, &bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Accept(rand.Reader, chris, &alice.Public, offer); !errors.Is(err, ErrKeyAgreementFailed) {
		t.Fatalf("replayed offer: got %v", err)
	}

	// Offer signature stripped.
	broken := *offer
	broken.Signature[0] ^= 0x01
	if _, err := Accept(rand.Reader, bob, &alice.Public, &broken); !errors.Is(err, ErrKeyAgreementFailed) {
		t.Fatalf("broken signature: got %v", err)
	}

	// Offer claiming a different initiator identity.
	impostor := *offer
	impostor.Identity = chris.Public.Identity
	if _, err := Accept(rand.Reader, bob, &alice.Public, &impostor); !errors.Is(err, ErrKeyAgreementFailed) {
		t.Fatalf("impostor offer: got %v", err)
	}
}

func TestDiskState(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	header, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(header, ct); err != nil {
		t.Fatal(err)
	}
	header, ct, err = b.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Decrypt(header, ct); err != nil {
		t.Fatal(err)
	}

	newAlice := New(rand.Reader)
	if err := newAlice.Unmarshal(a.DiskState(time.Hour)); err != nil {
		t.Fatal(err)
	}
	newBob := New(rand.Reader)
	if err := newBob.Unmarshal(b.DiskState(time.Hour)); err != nil {
		t.Fatal(err)
	}

	header, ct, err = newBob.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := newAlice.Decrypt(header, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}

	header, ct, err = newAlice.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err = newBob.Decrypt(header, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func TestEncryptedSize(t *testing.T) {
	a, _ := pairedRatchet(t)
	msg := []byte(strings.Repeat("test message", 1024))
	_, ct, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := EncryptedSize(len(msg)), len(ct); got != want {
		t.Fatalf("unexpected size -- got %d, want %d", got, want)
	}
}
