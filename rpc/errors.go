// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import "errors"

// ErrorCode identifies one entry of the stable error taxonomy surfaced at
// the protocol boundary. Codes are wire-stable: they cross the RPC interface
// in plain text and must not be renamed.
type ErrorCode string

const (
	ErrCodeSessionNotFound         ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionStateInvalid     ErrorCode = "SESSION_STATE_INVALID"
	ErrCodeSessionExpired          ErrorCode = "SESSION_EXPIRED"
	ErrCodeGroupNotFound           ErrorCode = "GROUP_NOT_FOUND"
	ErrCodeGroupStateInvalid       ErrorCode = "GROUP_STATE_INVALID"
	ErrCodeMemberNotAllowed        ErrorCode = "MEMBER_NOT_ALLOWED"
	ErrCodeFrameSchemaInvalid      ErrorCode = "FRAME_SCHEMA_INVALID"
	ErrCodeFrameDigestMismatch     ErrorCode = "FRAME_DIGEST_MISMATCH"
	ErrCodeFrameCiphertextMismatch ErrorCode = "FRAME_CIPHERTEXT_HASH_MISMATCH"
	ErrCodeFrameReplayDetected     ErrorCode = "FRAME_REPLAY_DETECTED"
	ErrCodeFrameSequenceTooFar     ErrorCode = "FRAME_SEQUENCE_TOO_FAR"
	ErrCodeFrameSizeExceeded       ErrorCode = "FRAME_SIZE_EXCEEDED"
	ErrCodeFrameStoreError         ErrorCode = "FRAME_STORE_ERROR"
	ErrCodeLockContention          ErrorCode = "LOCK_CONTENTION"
	ErrCodeInvalidCursor           ErrorCode = "INVALID_CURSOR"
)

// Error is a protocol error carrying a taxonomy code and a human readable
// message. Messages contain only ids, codes and digests; plaintext,
// ciphertext and key material never appear in them.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so that
// errors.Is(err, ErrSessionNotFound) works across wrapping.
func (e *Error) Is(other error) bool {
	var o *Error
	if !errors.As(other, &o) {
		return false
	}
	return e.Code == o.Code
}

// NewError returns a protocol error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel values for each taxonomy entry, usable both as errors.Is targets
// and as bare return values when no extra context is needed.
var (
	ErrSessionNotFound         = &Error{Code: ErrCodeSessionNotFound}
	ErrSessionStateInvalid     = &Error{Code: ErrCodeSessionStateInvalid}
	ErrSessionExpired          = &Error{Code: ErrCodeSessionExpired}
	ErrGroupNotFound           = &Error{Code: ErrCodeGroupNotFound}
	ErrGroupStateInvalid       = &Error{Code: ErrCodeGroupStateInvalid}
	ErrMemberNotAllowed        = &Error{Code: ErrCodeMemberNotAllowed}
	ErrFrameSchemaInvalid      = &Error{Code: ErrCodeFrameSchemaInvalid}
	ErrFrameDigestMismatch     = &Error{Code: ErrCodeFrameDigestMismatch}
	ErrFrameCiphertextMismatch = &Error{Code: ErrCodeFrameCiphertextMismatch}
	ErrFrameReplayDetected     = &Error{Code: ErrCodeFrameReplayDetected}
	ErrFrameSequenceTooFar     = &Error{Code: ErrCodeFrameSequenceTooFar}
	ErrFrameSizeExceeded       = &Error{Code: ErrCodeFrameSizeExceeded}
	ErrFrameStoreError         = &Error{Code: ErrCodeFrameStoreError}
	ErrLockContention          = &Error{Code: ErrCodeLockContention}
	ErrInvalidCursor           = &Error{Code: ErrCodeInvalidCursor}
)

// ErrMsgSizeExceeded is returned by the transport when a single message
// exceeds the negotiated maximum size.
var ErrMsgSizeExceeded = errors.New("message size exceeded")

// CodeOf extracts the taxonomy code from err, or the empty code when err is
// not a protocol error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ParseErrorCode maps a wire error string back to a protocol error. The
// empty string maps to nil; unknown strings map to a store error so callers
// always see a taxonomy code.
func ParseErrorCode(s string) error {
	if s == "" {
		return nil
	}
	code, rest := ErrorCode(s), ""
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			code = ErrorCode(s[:i])
			rest = s[i+1:]
			for len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}
			break
		}
	}
	switch code {
	case ErrCodeSessionNotFound, ErrCodeSessionStateInvalid,
		ErrCodeSessionExpired, ErrCodeGroupNotFound,
		ErrCodeGroupStateInvalid, ErrCodeMemberNotAllowed,
		ErrCodeFrameSchemaInvalid, ErrCodeFrameDigestMismatch,
		ErrCodeFrameCiphertextMismatch, ErrCodeFrameReplayDetected,
		ErrCodeFrameSequenceTooFar, ErrCodeFrameSizeExceeded,
		ErrCodeFrameStoreError, ErrCodeLockContention,
		ErrCodeInvalidCursor:
		return &Error{Code: code, Message: rest}
	}
	return &Error{Code: ErrCodeFrameStoreError, Message: s}
}
