// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/companyzero/sntrup4591761"
)

// FixedSizeSignature is a 64-byte, fixed size ed25519 signature. Fixed size
// arrays ensure compact, length-checked encoding into json.
type FixedSizeSignature [64]byte

// FixedSizeEd25519PrivateKey is a 64-byte, fixed size ed25519 private key.
type FixedSizeEd25519PrivateKey = FixedSizeSignature

// FixedSizeEd25519PublicKey is a 32-byte, fixed size ed25519 public key.
type FixedSizeEd25519PublicKey = ShortID

// FixedSizeDigest is a 32-byte, fixed size sha256 digest.
type FixedSizeDigest = ShortID

// FixedSizeX25519Key is a 32-byte curve25519 point or scalar.
type FixedSizeX25519Key = ShortID

// String returns the hex encoding of the FixedSizeSignature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeSignature. s must contain an
// hex-encoded signature of the correct length.
func (u *FixedSizeSignature) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// SntrupPublicKey is a fixed size sntrup4591761 public key.
type SntrupPublicKey [sntrup4591761.PublicKeySize]byte

// String returns the hex encoding of the SntrupPublicKey.
func (u SntrupPublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u SntrupPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a SntrupPublicKey.
func (u *SntrupPublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a SntrupPublicKey. s must contain an hex-encoded
// key of the correct length.
func (u *SntrupPublicKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid SntrupPublicKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// SntrupPrivateKey is a fixed size sntrup4591761 private key.
type SntrupPrivateKey [sntrup4591761.PrivateKeySize]byte

// String returns the hex encoding of the SntrupPrivateKey.
func (u SntrupPrivateKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u SntrupPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a SntrupPrivateKey.
func (u *SntrupPrivateKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a SntrupPrivateKey. s must contain an hex-encoded
// key of the correct length.
func (u *SntrupPrivateKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid SntrupPrivateKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// SntrupCiphertext is a fixed size sntrup4591761 KEM ciphertext.
type SntrupCiphertext [sntrup4591761.CiphertextSize]byte

// String returns the hex encoding of the SntrupCiphertext.
func (u SntrupCiphertext) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the ciphertext into a json string.
func (u SntrupCiphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a SntrupCiphertext.
func (u *SntrupCiphertext) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a SntrupCiphertext. s must contain an hex-encoded
// ciphertext of the correct length.
func (u *SntrupCiphertext) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid SntrupCiphertext length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}
