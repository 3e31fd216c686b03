// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Homccd is the homcc compile server. It accepts framed compile
// requests over TCP, caches dependency files by content digest, and
// runs the compiler — directly, in a schroot profile, or in a
// running docker container, as each request asks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/homcc/homcc/cache"
	"github.com/homcc/homcc/config"
	"github.com/homcc/homcc/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	defaults := loaded.Homccd

	var (
		limit       int
		port        int
		address     string
		cacheDir    string
		cacheBudget int64
		verbose     bool
	)
	pflag.IntVar(&limit, "limit", defaults.Limit, "maximum concurrent compile jobs")
	pflag.IntVar(&port, "port", defaults.Port, "TCP listen port")
	pflag.StringVar(&address, "address", defaults.Address, "TCP listen address")
	pflag.StringVar(&cacheDir, "cache-dir", "/tmp/homcc-cache", "dependency cache directory")
	pflag.Int64Var(&cacheBudget, "cache-size", 10<<30, "dependency cache budget in bytes")
	pflag.BoolVar(&verbose, "verbose", defaults.Verbose, "enable debug logging")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(defaults.LogLevel, verbose),
	}))
	slog.SetDefault(logger)

	store, err := cache.New(cache.Config{Dir: cacheDir, Budget: cacheBudget, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	daemon, err := server.New(server.Config{
		Address: fmt.Sprintf("%s:%d", address, port),
		Limit:   limit,
		Cache:   store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.Serve(ctx)
}
