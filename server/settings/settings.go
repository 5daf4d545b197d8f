// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"errors"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"

	"github.com/agentwire/agentwire/rpc"
)

// Server-related files and dirs under the root directory.
const (
	IdentityFilename = "awserver.id"
	SealKeyFilename  = "awserver.seal"
	DBDirname        = "db"
)

// Settings is the collection of all awserver settings. This is separated out
// in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root            string   // root directory for awserver
	DBDir           string   // leveldb directory
	Listen          []string // listen addresses and port
	InitSessTimeout time.Duration

	// policy section
	SessionTTL     time.Duration
	LockTimeout    time.Duration
	MaxFutureDelta int64
	PingLimit      time.Duration

	// log section
	LogFile    string
	DebugLevel string
	TimeFormat string
	Profiler   string

	// Versioner is a function that returns the current app version.
	Versioner func() string

	// LogStdOut is the stdout to write the log to. Defaults to os.Stdout.
	LogStdOut io.Writer
}

var errIniNotFound = errors.New("not found")

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		Root:            "~/.awserver",
		DBDir:           "~/.awserver/" + DBDirname,
		Listen:          []string{"127.0.0.1:12345"},
		InitSessTimeout: time.Second * 20,

		SessionTTL:     24 * time.Hour,
		LockTimeout:    250 * time.Millisecond,
		MaxFutureDelta: 1024,
		PingLimit:      rpc.PingLimit,

		LogFile:    "~/.awserver/awserver.log",
		DebugLevel: "info",
		TimeFormat: "2006-01-02 15:04:05",
		Profiler:   "localhost:6060",

		Versioner: func() string { return "" },
		LogStdOut: os.Stdout,
	}
}

// Load retrieves settings from an ini file. Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	usr, err := user.Current()
	if err != nil {
		return err
	}
	expand := func(p string) string {
		return strings.Replace(p, "~", usr.HomeDir, 1)
	}

	if root, ok := cfg.Get("", "root"); ok {
		s.Root = root
	}
	s.Root = expand(s.Root)

	if dbdir, ok := cfg.Get("", "dbdir"); ok {
		s.DBDir = dbdir
	}
	s.DBDir = expand(s.DBDir)

	if rawListen, ok := cfg.Get("", "listen"); ok {
		listenList := strings.Split(rawListen, ",")
		for i := range listenList {
			listenList[i] = strings.TrimSpace(listenList[i])
		}
		s.Listen = listenList
	}

	if err := iniDuration(cfg, &s.SessionTTL, "policy", "sessionttl"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(cfg, &s.LockTimeout, "policy", "locktimeout"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(cfg, &s.PingLimit, "policy", "pinglimit"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if raw, ok := cfg.Get("policy", "maxfuturedelta"); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		s.MaxFutureDelta = v
	}

	if logFile, ok := cfg.Get("log", "logfile"); ok {
		s.LogFile = logFile
	}
	s.LogFile = expand(s.LogFile)

	if debugLevel, ok := cfg.Get("log", "debuglevel"); ok {
		s.DebugLevel = debugLevel
	}
	if timeFormat, ok := cfg.Get("log", "timeformat"); ok {
		s.TimeFormat = timeFormat
	}
	if profiler, ok := cfg.Get("log", "profiler"); ok {
		s.Profiler = profiler
	}

	return nil
}

// iniDuration parses a human form duration such as "36h" or "15m".
func iniDuration(cfg ini.File, d *time.Duration, section, field string) error {
	raw, ok := cfg.Get(section, field)
	if !ok {
		return errIniNotFound
	}
	v, err := strduration.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
