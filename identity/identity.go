// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package identity manages public and private agent identities.
//
// An agentwire public identity consists of a name, an ed25519 public
// signature key, an NTRU Prime public key (used in the hybrid key agreement)
// and an X25519 prekey signed with the signature key. The Identity field,
// taken as the SHA256 of the NTRU Prime public key, is the short handle that
// uniquely identifies an agent everywhere else in the protocol.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/curve25519"
)

var (
	prng = rand.Reader

	// ErrVerify is returned when an identity or prekey signature does not
	// verify.
	ErrVerify = errors.New("verify error")
)

// IdentitySize is the byte length of an agent identity handle.
const IdentitySize = sha256.Size

// PublicIdentity is the public half of an agent identity. It doubles as the
// peer bundle consumed by the key agreement: PreKey is an X25519 point signed
// by SigKey, and Key is the KEM public key frames are encapsulated to.
type PublicIdentity struct {
	Name      string                    `json:"name"`
	SigKey    FixedSizeEd25519PublicKey `json:"sigKey"`
	Key       SntrupPublicKey           `json:"key"`
	Identity  ShortID                   `json:"identity"`
	PreKey    FixedSizeX25519Key        `json:"preKey"`
	PreKeySig FixedSizeSignature        `json:"preKeySig"`
	Digest    FixedSizeDigest           `json:"digest"`    // digest of name, keys and identity
	Signature FixedSizeSignature        `json:"signature"` // signature of Digest
}

// FullIdentity is the private half of an agent identity.
type FullIdentity struct {
	Public        PublicIdentity             `json:"publicIdentity"`
	PrivateSigKey FixedSizeEd25519PrivateKey `json:"privateSigKey"`
	PrivateKey    SntrupPrivateKey           `json:"privateKey"`
	PrivatePreKey FixedSizeX25519Key         `json:"privatePreKey"`
}

// NewWithRNG creates a new identity drawing randomness from prng.
func NewWithRNG(name string, prng io.Reader) (*FullIdentity, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	ntruprimePub, ntruprimePriv, err := sntrup4591761.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	identity := IdentityFromPub(ntruprimePub)

	var preKeyPriv FixedSizeX25519Key
	if _, err := io.ReadFull(prng, preKeyPriv[:]); err != nil {
		return nil, err
	}
	clampX25519(preKeyPriv[:])
	preKeyPub, err := curve25519.X25519(preKeyPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	fi := new(FullIdentity)
	fi.Public.Name = name
	copy(fi.Public.SigKey[:], ed25519Pub)
	copy(fi.Public.Key[:], ntruprimePub[:])
	copy(fi.Public.Identity[:], identity[:])
	copy(fi.Public.PreKey[:], preKeyPub)
	copy(fi.PrivateSigKey[:], ed25519Priv)
	copy(fi.PrivateKey[:], ntruprimePriv[:])
	copy(fi.PrivatePreKey[:], preKeyPriv[:])
	if err := fi.RecalculateDigest(); err != nil {
		return nil, err
	}

	zero(preKeyPriv[:])
	zero(ed25519Priv)
	zero(ntruprimePriv[:])

	return fi, nil
}

// New creates a new identity using the system CSPRNG.
func New(name string) (*FullIdentity, error) {
	return NewWithRNG(name, prng)
}

// MustNew generates a new identity or panics.
func MustNew(name string) *FullIdentity {
	id, err := New(name)
	if err != nil {
		panic(err)
	}
	return id
}

// IdentityFromPub derives the identity handle from a KEM public key.
func IdentityFromPub(pub *sntrup4591761.PublicKey) ShortID {
	return sha256.Sum256(pub[:])
}

// RecalculateDigest recomputes the identity digest and all signatures after
// any of the public fields changed.
func (fi *FullIdentity) RecalculateDigest() error {
	d := sha256.New()
	d.Write([]byte(fi.Public.Name))
	d.Write(fi.Public.SigKey[:])
	d.Write(fi.Public.Key[:])
	d.Write(fi.Public.Identity[:])
	d.Write(fi.Public.PreKey[:])
	copy(fi.Public.Digest[:], d.Sum(nil))

	sig := ed25519.Sign(fi.PrivateSigKey[:], fi.Public.Digest[:])
	copy(fi.Public.Signature[:], sig)

	preKeySig := ed25519.Sign(fi.PrivateSigKey[:], fi.Public.PreKey[:])
	copy(fi.Public.PreKeySig[:], preKeySig)

	if err := fi.Public.Verify(); err != nil {
		return err
	}
	return nil
}

// Verify checks the internal consistency of a public identity: the digest
// must cover the published fields and both signatures must verify against
// SigKey. Bundles failing Verify must not be used for key agreement.
func (p *PublicIdentity) Verify() error {
	d := sha256.New()
	d.Write([]byte(p.Name))
	d.Write(p.SigKey[:])
	d.Write(p.Key[:])
	d.Write(p.Identity[:])
	d.Write(p.PreKey[:])
	var digest FixedSizeDigest
	copy(digest[:], d.Sum(nil))
	if !digest.ConstantTimeEq(&p.Digest) {
		return ErrVerify
	}
	if !ed25519.Verify(p.SigKey[:], p.Digest[:], p.Signature[:]) {
		return ErrVerify
	}
	if !ed25519.Verify(p.SigKey[:], p.PreKey[:], p.PreKeySig[:]) {
		return ErrVerify
	}
	return nil
}

// SignMessage signs m with the identity's signature key.
func (fi *FullIdentity) SignMessage(m []byte) FixedSizeSignature {
	var sig FixedSizeSignature
	copy(sig[:], ed25519.Sign(fi.PrivateSigKey[:], m))
	return sig
}

// VerifyMessage verifies a message signature against a public identity.
func (p *PublicIdentity) VerifyMessage(m []byte, sig *FixedSizeSignature) bool {
	return ed25519.Verify(p.SigKey[:], m, sig[:])
}

func clampX25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
