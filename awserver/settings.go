// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/agentwire/agentwire/internal/version"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/server/settings"
)

func ObtainSettings() (*settings.Settings, error) {
	// defaults
	s := settings.New()

	// setup default paths
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}

	// config file
	filename := flag.String("cfg", filepath.Join(usr.HomeDir, ".awserver", "awserver.conf"),
		"config file")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "awserver %s (%s) protocol version %d\n",
			version.String(), runtime.Version(), rpc.ProtocolVersion)
		os.Exit(0)
	}

	// load file; a missing default config is not an error, the defaults
	// stand.
	err = s.Load(*filename)
	if err != nil {
		defaultUsed := !isFlagSet("cfg")
		if defaultUsed && errors.Is(err, fs.ErrNotExist) {
			// Load also expands ~, so do it here.
			s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)
			s.DBDir = strings.Replace(s.DBDir, "~", usr.HomeDir, 1)
			s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)
			return s, nil
		}
		return nil, err
	}

	return s, nil
}

func isFlagSet(name string) bool {
	var set bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
