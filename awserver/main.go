// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentwire/agentwire/internal/version"
	"github.com/agentwire/agentwire/lockfile"
	"github.com/agentwire/agentwire/server"
)

func _main() error {
	// flags and settings
	cfg, err := ObtainSettings()
	if err != nil {
		return err
	}
	cfg.Versioner = version.String

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		cancel()
	}()

	// A single awserver per data dir.
	lf, err := lockfile.Create(ctx, filepath.Join(cfg.Root, "awserver.lock"))
	if err != nil {
		return fmt.Errorf("unable to lock %s: %v", cfg.Root, err)
	}
	defer lf.Close()

	// Init server.
	z, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Run server.
	err = z.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
