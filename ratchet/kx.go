// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/sha256"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/agentwire/agentwire/identity"
)

// KeyOffer is the initial key-agreement message produced by Initiate and
// consumed by Accept. It is authenticated by the initiator's identity
// signature key and binds the responder's identity so it cannot be replayed
// against a different peer.
type KeyOffer struct {
	Identity     identity.ShortID            `json:"identity"`
	EphemeralPub identity.FixedSizeX25519Key `json:"ephemeralPub"`
	Cipher       identity.SntrupCiphertext   `json:"cipher"`
	Signature    identity.FixedSizeSignature `json:"signature"`
}

// offerSigPreimage is the byte string covered by the offer signature.
func offerSigPreimage(ephPub *identity.FixedSizeX25519Key,
	cipher *identity.SntrupCiphertext, responder *identity.ShortID) []byte {

	m := make([]byte, 0, 32+len(cipher)+32)
	m = append(m, ephPub[:]...)
	m = append(m, cipher[:]...)
	m = append(m, responder[:]...)
	return m
}

// Initiate performs the hybrid key agreement on behalf of the session
// initiator. It encapsulates a fresh KEM shared key to the peer's NTRU Prime
// public key and mixes in an X25519 exchange against the peer's signed
// prekey. It returns a ratchet ready to encrypt and the KeyOffer that must
// reach the responder.
func Initiate(rand io.Reader, local *identity.FullIdentity,
	peer *identity.PublicIdentity) (*Ratchet, *KeyOffer, error) {

	if err := peer.Verify(); err != nil {
		return nil, nil, ErrKeyAgreementFailed
	}

	var ephPriv [32]byte
	if _, err := io.ReadFull(rand, ephPriv[:]); err != nil {
		return nil, nil, err
	}
	clamp(ephPriv[:])
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, ErrKeyAgreementFailed
	}

	cipher, kemShared, err := sntrup4591761.Encapsulate(rand,
		(*sntrup4591761.PublicKey)(&peer.Key))
	if err != nil {
		return nil, nil, ErrKeyAgreementFailed
	}

	dh, err := curve25519.X25519(ephPriv[:], peer.PreKey[:])
	if err != nil {
		// Includes the all-zero output from low order points.
		return nil, nil, ErrKeyAgreementFailed
	}

	offer := &KeyOffer{
		Identity: local.Public.Identity,
	}
	copy(offer.EphemeralPub[:], ephPub)
	copy(offer.Cipher[:], cipher[:])
	offer.Signature = local.SignMessage(offerSigPreimage(
		&offer.EphemeralPub, &offer.Cipher, &peer.Identity))

	r := New(rand)
	sk := kxSecret(kemShared[:], dh)
	root, sendCK := kdfRootStep(sk, dh)
	zero(sk)
	zero(dh)
	zero(kemShared[:])

	r.rootKey = root
	r.sendChainKey = sendCK
	r.sendRatchetPriv = ephPriv
	copy(r.sendRatchetPub[:], ephPub)
	copy(r.recvRatchetPub[:], peer.PreKey[:])
	zero(ephPriv[:])
	return r, offer, nil
}

// Accept performs the responder's half of the key agreement. peer is the
// initiator's public identity; the offer signature must verify against it.
func Accept(rand io.Reader, local *identity.FullIdentity,
	peer *identity.PublicIdentity, offer *KeyOffer) (*Ratchet, error) {

	if err := peer.Verify(); err != nil {
		return nil, ErrKeyAgreementFailed
	}
	if offer.Identity != peer.Identity {
		return nil, ErrKeyAgreementFailed
	}
	preimage := offerSigPreimage(&offer.EphemeralPub, &offer.Cipher,
		&local.Public.Identity)
	if !peer.VerifyMessage(preimage, &offer.Signature) {
		return nil, ErrKeyAgreementFailed
	}

	kemShared, ok := sntrup4591761.Decapsulate(
		(*sntrup4591761.Ciphertext)(&offer.Cipher),
		(*sntrup4591761.PrivateKey)(&local.PrivateKey))
	if ok != 1 {
		return nil, ErrKeyAgreementFailed
	}

	dh, err := curve25519.X25519(local.PrivatePreKey[:], offer.EphemeralPub[:])
	if err != nil {
		return nil, ErrKeyAgreementFailed
	}

	r := New(rand)
	sk := kxSecret(kemShared[:], dh)
	root, recvCK := kdfRootStep(sk, dh)
	zero(sk)
	zero(dh)
	zero(kemShared[:])

	r.rootKey = root
	r.recvChainKey = recvCK
	copy(r.recvRatchetPub[:], offer.EphemeralPub[:])
	copy(r.sendRatchetPriv[:], local.PrivatePreKey[:])
	copy(r.sendRatchetPub[:], local.Public.PreKey[:])
	return r, nil
}

// kxSecret derives the shared root secret from the KEM half and the X25519
// half of the agreement.
func kxSecret(kemShared, dh []byte) []byte {
	ikm := make([]byte, 0, len(kemShared)+len(dh))
	ikm = append(ikm, kemShared...)
	ikm = append(ikm, dh...)
	rd := hkdf.New(sha256.New, ikm, nil, []byte("agentwire/ratchet/kx"))
	sk := make([]byte, keySize)
	io.ReadFull(rd, sk)
	zero(ikm)
	return sk
}
