// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

// nonceSequence yields the secretbox nonce for each transport message. The
// client half counts down from the midpoint of the nonce space and the
// server half from the top, so the two directions can never collide on a
// nonce while sharing one key.
type nonceSequence struct {
	n [24]byte
}

const (
	halfForClient = true
	halfForServer = false
)

func newNonceSequence(clientHalf bool) *nonceSequence {
	s := &nonceSequence{}
	for i := range s.n {
		s.n[i] = 0xff
	}
	if clientHalf {
		// Top byte 0x7f puts the counter at half the space.
		s.n[0] = 0x7f
	}
	return s
}

// Nonce returns the current nonce. Decrease must be called after each use.
func (s *nonceSequence) Nonce() *[24]byte {
	return &s.n
}

// Decrease steps the counter down by one, borrowing across bytes.
func (s *nonceSequence) Decrease() {
	for i := len(s.n) - 1; i >= 0; i-- {
		s.n[i]--
		if s.n[i] != 0xff {
			return
		}
	}
}
