// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the forward-secret message encryption used
// inside agentwire sessions. Each session owns exactly one Ratchet per
// participant; every encrypted frame advances the sending chain by one step
// and spent per-message keys are erased immediately after use, so possession
// of the current state does not allow decrypting previously exchanged
// frames.
package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/agentwire/agentwire/ratchet/disk"
)

const (
	// HeaderSize is the size of the cleartext ratchet header prepended to
	// every frame: the sender's current ratchet public key followed by
	// the previous chain length and the message number.
	HeaderSize = 32 + 4 + 4

	// maxMissingMessages bounds how many message keys may be skipped and
	// retained while waiting for out-of-order frames on one chain.
	maxMissingMessages = 1024

	keySize = 32
)

var (
	// ErrKeyAgreementFailed is returned when a peer bundle or key offer
	// is malformed or its signatures do not verify.
	ErrKeyAgreementFailed = errors.New("key agreement failed")

	// ErrDecryptionFailed is returned on authentication failure and on
	// headers referencing an already consumed ratchet step. No state is
	// mutated when it is returned.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrTooFarFuture is returned when a header references a ratchet step
	// beyond the allowed out-of-order window.
	ErrTooFarFuture = errors.New("ratchet step too far in the future")
)

// Engine is the narrow capability surface the session layer programs
// against. Ratchet is the production implementation; tests may substitute
// deterministic doubles.
type Engine interface {
	Encrypt(plaintext []byte) (header, ciphertext []byte, err error)
	Decrypt(header, ciphertext []byte) ([]byte, error)
	Rotate() error
	DiskState(maxLifetime time.Duration) *disk.RatchetState
	Unmarshal(state *disk.RatchetState) error
}

var _ Engine = (*Ratchet)(nil)

type savedKey struct {
	key     [keySize]byte
	created time.Time
}

// Ratchet holds the per-session Double Ratchet state for one participant.
type Ratchet struct {
	rand io.Reader
	now  func() time.Time

	rootKey []byte

	sendRatchetPriv [32]byte
	sendRatchetPub  [32]byte
	recvRatchetPub  [32]byte

	sendChainKey []byte
	recvChainKey []byte

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	// saved holds message keys derived for frames that have not arrived
	// yet, keyed by ratchet public key and message number.
	saved map[[36]byte]savedKey
}

// New returns an empty ratchet drawing randomness from rand.
func New(rand io.Reader) *Ratchet {
	return &Ratchet{
		rand:  rand,
		now:   time.Now,
		saved: make(map[[36]byte]savedKey),
	}
}

// Encrypt advances the sending chain by exactly one step and returns the
// cleartext ratchet header and the sealed ciphertext.
func (r *Ratchet) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	if r.sendChainKey == nil {
		// Start a fresh sending chain keyed to the peer's current
		// ratchet public key.
		if err := r.stepSendChain(); err != nil {
			return nil, nil, err
		}
	}

	mk := chainStep(&r.sendChainKey)
	defer zero(mk[:])

	header := make([]byte, HeaderSize)
	copy(header, r.sendRatchetPub[:])
	binary.BigEndian.PutUint32(header[32:], r.prevSendCount)
	binary.BigEndian.PutUint32(header[36:], r.sendCount)

	ct, err := seal(mk[:], r.sendCount, header, plaintext)
	if err != nil {
		return nil, nil, err
	}
	r.sendCount++
	return header, ct, nil
}

// Rotate discards the current sending chain and forces a fresh ratchet
// epoch: a new DH pair is generated and the root key advances. The receiver
// resynchronizes from the next frame's header.
func (r *Ratchet) Rotate() error {
	return r.stepSendChain()
}

func (r *Ratchet) stepSendChain() error {
	var priv [32]byte
	if _, err := io.ReadFull(r.rand, priv[:]); err != nil {
		return err
	}
	clamp(priv[:])
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	sharedDH, err := curve25519.X25519(priv[:], r.recvRatchetPub[:])
	if err != nil {
		return err
	}

	newRoot, ck := kdfRootStep(r.rootKey, sharedDH)
	zero(sharedDH)
	zero(r.rootKey)
	if r.sendChainKey != nil {
		zero(r.sendChainKey)
	}
	r.rootKey = newRoot
	r.sendChainKey = ck
	zero(r.sendRatchetPriv[:])
	r.sendRatchetPriv = priv
	copy(r.sendRatchetPub[:], pub)
	r.prevSendCount = r.sendCount
	r.sendCount = 0
	return nil
}

// Decrypt performs the ratchet step(s) implied by the header and opens the
// ciphertext. On any failure the ratchet state is left untouched.
func (r *Ratchet) Decrypt(header, ciphertext []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, ErrDecryptionFailed
	}
	var theirPub [32]byte
	copy(theirPub[:], header[:32])
	prevCount := binary.BigEndian.Uint32(header[32:36])
	count := binary.BigEndian.Uint32(header[36:40])

	// A frame we already derived a key for while handling out-of-order
	// delivery.
	if pt, ok, err := r.trySavedKey(theirPub, count, header, ciphertext); ok {
		return pt, err
	}

	if theirPub == r.recvRatchetPub {
		return r.decryptCurrentChain(count, header, ciphertext)
	}
	return r.decryptNewChain(theirPub, prevCount, count, header, ciphertext)
}

func (r *Ratchet) trySavedKey(theirPub [32]byte, count uint32, header, ciphertext []byte) ([]byte, bool, error) {
	id := savedKeyID(theirPub, count)
	sk, ok := r.saved[id]
	if !ok {
		return nil, false, nil
	}
	pt, err := open(sk.key[:], count, header, ciphertext)
	if err != nil {
		return nil, true, ErrDecryptionFailed
	}
	zero(sk.key[:])
	delete(r.saved, id)
	return pt, true, nil
}

func (r *Ratchet) decryptCurrentChain(count uint32, header, ciphertext []byte) ([]byte, error) {
	if r.recvChainKey == nil || count < r.recvCount {
		// Already consumed: the key for this step was used and erased.
		return nil, ErrDecryptionFailed
	}
	if uint64(count)-uint64(r.recvCount) > maxMissingMessages {
		return nil, ErrTooFarFuture
	}

	// Derive skipped keys on a copy so that a forged frame cannot consume
	// real chain state.
	ck := dup(r.recvChainKey)
	staged := make(map[[36]byte]savedKey)
	for n := r.recvCount; n < count; n++ {
		mk := chainStep(&ck)
		staged[savedKeyID(r.recvRatchetPub, n)] = savedKey{key: mk, created: r.now()}
	}
	mk := chainStep(&ck)
	pt, err := open(mk[:], count, header, ciphertext)
	zero(mk[:])
	if err != nil {
		zero(ck)
		for _, sk := range staged {
			zero(sk.key[:])
		}
		return nil, ErrDecryptionFailed
	}

	for id, sk := range staged {
		r.saved[id] = sk
	}
	zero(r.recvChainKey)
	r.recvChainKey = ck
	r.recvCount = count + 1
	return pt, nil
}

func (r *Ratchet) decryptNewChain(theirPub [32]byte, prevCount, count uint32, header, ciphertext []byte) ([]byte, error) {
	if count > maxMissingMessages {
		return nil, ErrTooFarFuture
	}

	staged := make(map[[36]byte]savedKey)

	// Close out the previous receiving chain: keys for frames still in
	// flight on the old chain stay available up to prevCount.
	if r.recvChainKey != nil {
		if prevCount < r.recvCount || uint64(prevCount)-uint64(r.recvCount) > maxMissingMessages {
			return nil, ErrDecryptionFailed
		}
		oldCK := dup(r.recvChainKey)
		for n := r.recvCount; n < prevCount; n++ {
			mk := chainStep(&oldCK)
			staged[savedKeyID(r.recvRatchetPub, n)] = savedKey{key: mk, created: r.now()}
		}
		zero(oldCK)
	}

	sharedDH, err := curve25519.X25519(r.sendRatchetPriv[:], theirPub[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	newRoot, ck := kdfRootStep(r.rootKey, sharedDH)
	zero(sharedDH)

	for n := uint32(0); n < count; n++ {
		mk := chainStep(&ck)
		staged[savedKeyID(theirPub, n)] = savedKey{key: mk, created: r.now()}
	}
	mk := chainStep(&ck)
	pt, err := open(mk[:], count, header, ciphertext)
	zero(mk[:])
	if err != nil {
		zero(ck)
		zero(newRoot)
		for _, sk := range staged {
			zero(sk.key[:])
		}
		return nil, ErrDecryptionFailed
	}

	for id, sk := range staged {
		r.saved[id] = sk
	}
	zero(r.rootKey)
	r.rootKey = newRoot
	if r.recvChainKey != nil {
		zero(r.recvChainKey)
	}
	r.recvChainKey = ck
	r.recvRatchetPub = theirPub
	r.recvCount = count + 1

	// The sending chain is stale now: the next Encrypt ratchets forward
	// against the peer's new public key.
	if r.sendChainKey != nil {
		zero(r.sendChainKey)
		r.sendChainKey = nil
	}
	return pt, nil
}

// kdfRootStep advances the root key with a fresh DH output, yielding the new
// root key and a chain key.
func kdfRootStep(rootKey, dh []byte) (newRoot, chainKey []byte) {
	rd := hkdf.New(sha256.New, dh, rootKey, []byte("agentwire/ratchet/root"))
	newRoot = make([]byte, keySize)
	chainKey = make([]byte, keySize)
	io.ReadFull(rd, newRoot)
	io.ReadFull(rd, chainKey)
	return
}

// chainStep derives the next message key and advances the chain key in
// place, erasing the previous chain key.
func chainStep(ck *[]byte) [keySize]byte {
	rd := hkdf.New(sha256.New, *ck, nil, []byte("agentwire/ratchet/chain"))
	next := make([]byte, keySize)
	var mk [keySize]byte
	io.ReadFull(rd, next)
	io.ReadFull(rd, mk[:])
	zero(*ck)
	*ck = next
	return mk
}

func seal(mk []byte, count uint32, header, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], count)
	return aead.Seal(nil, nonce[:], plaintext, header), nil
}

func open(mk []byte, count uint32, header, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], count)
	return aead.Open(nil, nonce[:], ciphertext, header)
}

func savedKeyID(pub [32]byte, count uint32) [36]byte {
	var id [36]byte
	copy(id[:], pub[:])
	binary.BigEndian.PutUint32(id[32:], count)
	return id
}

// EncryptedSize returns the frame ciphertext size for a plaintext of n
// bytes.
func EncryptedSize(n int) int {
	return n + chacha20poly1305.Overhead
}

func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func dup(b []byte) []byte {
	return bytes.Clone(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
