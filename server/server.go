// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements homccd: a TCP listener that accepts
// compile jobs, negotiates the dependency set against the cache,
// materializes a scratch tree, and runs the compiler.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/homcc/homcc/cache"
	"github.com/homcc/homcc/wire"
)

// Config configures a Server.
type Config struct {
	// Address is the listen address, e.g. "0.0.0.0:3633".
	Address string

	// Limit is the maximum number of concurrently running jobs.
	// Connections beyond it receive ConnectionRefused.
	Limit int

	// Cache is the dependency store, shared by all jobs.
	Cache *cache.Cache

	// ScratchDir is where per-job trees are created. Defaults to
	// /tmp; it must be a path visible inside schroot profiles and
	// bind-mounted into containers.
	ScratchDir string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server accepts connections and dispatches jobs.
type Server struct {
	config   Config
	listener net.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	inflight int

	jobs sync.WaitGroup
}

// New binds the listen socket. Serve must be called to start
// accepting.
func New(config Config) (*Server, error) {
	if config.Limit <= 0 {
		return nil, fmt.Errorf("job limit must be positive, got %d", config.Limit)
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if config.ScratchDir == "" {
		config.ScratchDir = "/tmp"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", config.Address, err)
	}
	return &Server{config: config, listener: listener, logger: config.Logger}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled. Admission is
// decided before the per-connection task spawns: a saturated server
// answers ConnectionRefused and closes without starting a job.
func (s *Server) Serve(ctx context.Context) error {
	context.AfterFunc(ctx, func() { s.listener.Close() })

	s.logger.Info("homccd listening", "address", s.Addr(), "limit", s.config.Limit)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.jobs.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.admit() {
			s.logger.Info("refusing connection, job limit reached", "remote", conn.RemoteAddr())
			go func() {
				defer conn.Close()
				if err := wire.Send(conn, &wire.ConnectionRefused{Reason: "limit"}, wire.CompressionNone); err != nil {
					s.logger.Debug("sending refusal failed", "error", err)
				}
			}()
			continue
		}

		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			defer s.release()
			defer conn.Close()
			s.runJob(ctx, conn)
		}()
	}
}

func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight >= s.config.Limit {
		return false
	}
	s.inflight++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
}
