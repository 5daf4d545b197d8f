// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package canon produces deterministic byte encodings of structured records
// so that digests computed over them are stable across implementations.
//
// The canonical form is JSON with object keys sorted bytewise, no
// insignificant whitespace and only integer numbers. All binary fields that
// flow through the protocol (headers, ciphertexts, key material) are encoded
// with a single unpadded base64 variant; mixing encodings is a protocol
// violation.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNonCanonicalNumber is returned when a record contains a number
	// that cannot be represented canonically (fractional or exponent
	// notation).
	ErrNonCanonicalNumber = errors.New("non-canonical number in record")
)

// binEncoding is the one binary-to-text encoding used throughout the
// protocol.
var binEncoding = base64.RawStdEncoding

// EncodeBinary encodes binary data with the protocol's fixed base64 variant.
func EncodeBinary(b []byte) string {
	return binEncoding.EncodeToString(b)
}

// DecodeBinary decodes data previously encoded with EncodeBinary.
func DecodeBinary(s string) ([]byte, error) {
	return binEncoding.DecodeString(s)
}

// Marshal returns the canonical byte encoding of v. Two logically equal
// records always canonicalize to identical bytes.
func Marshal(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json to obtain a type-stable view of
	// the record regardless of the concrete Go type passed in.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := writeCanonical(&b, generic); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Digest returns the lowercase hex sha256 of the canonical encoding of v.
func Digest(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes returns the lowercase hex sha256 of b.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		b.WriteString("null")

	case bool:
		if vv {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}

	case string:
		enc, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		b.Write(enc)

	case json.Number:
		s := vv.String()
		if strings.ContainsAny(s, ".eE") {
			return fmt.Errorf("%w: %s", ErrNonCanonicalNumber, s)
		}
		b.WriteString(s)

	case []interface{}:
		b.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, vv[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')

	default:
		return fmt.Errorf("unhandled canonical type %T", v)
	}

	return nil
}
