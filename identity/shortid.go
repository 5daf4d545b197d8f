// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ShortID is a 32-byte global ID. It is the type for every 32-byte value the
// protocol interprets as a unique principal or aggregate identifier.
type ShortID [32]byte

// Bytes returns the ID as a slice of bytes.
func (u ShortID) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the ShortID.
func (u ShortID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u ShortID) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the id into a json string.
func (u ShortID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a ShortID.
func (u *ShortID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a ShortID. s must contain an hex-encoded ID of
// the correct length.
func (u *ShortID) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid ShortID length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the short id from the given byte slice. The passed slice
// must have the correct length.
func (u *ShortID) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid ShortID length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// ConstantTimeEq returns true when the two ids are equal. The comparison is
// done in constant time.
func (u ShortID) ConstantTimeEq(other *ShortID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the short ID is empty (i.e. all zero).
func (u ShortID) IsEmpty() bool {
	var empty ShortID
	return u.ConstantTimeEq(&empty)
}
