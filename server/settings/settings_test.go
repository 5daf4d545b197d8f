// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentwire/agentwire/internal/assert"
)

func TestLoadOverridesDefaults(t *testing.T) {
	cfg := `
root = /tmp/awserver-test
dbdir = /tmp/awserver-test/db
listen = 127.0.0.1:4400, 127.0.0.1:4401

[policy]
sessionttl = 36h
locktimeout = 1s
maxfuturedelta = 2048

[log]
debuglevel = debug
`
	fname := filepath.Join(t.TempDir(), "awserver.conf")
	err := os.WriteFile(fname, []byte(cfg), 0o600)
	assert.NilErr(t, err)

	s := New()
	err = s.Load(fname)
	assert.NilErr(t, err)

	if s.Root != "/tmp/awserver-test" {
		t.Fatalf("root = %q", s.Root)
	}
	assert.DeepEqual(t, s.Listen, []string{"127.0.0.1:4400", "127.0.0.1:4401"})
	if s.SessionTTL != 36*time.Hour {
		t.Fatalf("sessionttl = %v", s.SessionTTL)
	}
	if s.LockTimeout != time.Second {
		t.Fatalf("locktimeout = %v", s.LockTimeout)
	}
	if s.MaxFutureDelta != 2048 {
		t.Fatalf("maxfuturedelta = %d", s.MaxFutureDelta)
	}
	if s.DebugLevel != "debug" {
		t.Fatalf("debuglevel = %q", s.DebugLevel)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "awserver.conf")
	err := os.WriteFile(fname, []byte("root = ~/aw\n"), 0o600)
	assert.NilErr(t, err)

	s := New()
	err = s.Load(fname)
	assert.NilErr(t, err)

	if s.Root[0] == '~' {
		t.Fatalf("root not expanded: %q", s.Root)
	}
	assert.Contains(t, []string{filepath.Base(s.Root)}, "aw")
}

func TestLoadMissingFile(t *testing.T) {
	s := New()
	err := s.Load(filepath.Join(t.TempDir(), "nope.conf"))
	assert.NonNilErr(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "awserver.conf")
	err := os.WriteFile(fname, []byte("[policy]\nsessionttl = soon\n"), 0o600)
	assert.NilErr(t, err)

	s := New()
	err = s.Load(fname)
	assert.NonNilErr(t, err)
}
