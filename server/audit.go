// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"

	"github.com/decred/slog"
)

// AuditRecord describes one protocol operation for the audit trail. It is
// content free: ids, sizes, digests and the outcome code only. Plaintext,
// ciphertext, header bytes and key material must never be placed in one.
type AuditRecord struct {
	Op          string
	PrincipalID string
	AggregateID string
	TargetID    string
	Seq         uint64
	Size        int
	Digest      string
	Outcome     string
}

// AuditSink receives one record per protocol operation, success or failure.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// logAuditSink writes audit records through a slog subsystem logger.
type logAuditSink struct {
	log slog.Logger
}

// NewLogAuditSink returns a sink that logs every record at info level.
func NewLogAuditSink(log slog.Logger) AuditSink {
	return &logAuditSink{log: log}
}

func (s *logAuditSink) Record(ctx context.Context, rec AuditRecord) {
	s.log.Infof("op=%s principal=%s aggregate=%s target=%s seq=%d size=%d "+
		"digest=%s outcome=%s", rec.Op, rec.PrincipalID, rec.AggregateID,
		rec.TargetID, rec.Seq, rec.Size, rec.Digest, rec.Outcome)
}

type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, AuditRecord) {}
