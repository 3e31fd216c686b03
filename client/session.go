// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package client drives one remote compilation over one connection.
//
// A session walks the fixed protocol sequence: send the argument
// request, learn which dependencies the server lacks, upload exactly
// those, and wait for the compilation result. Sessions are
// single-threaded per connection; the binary may run several in
// parallel, each owning its own host slot.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/homcc/homcc/host"
	"github.com/homcc/homcc/wire"
)

// ErrRefused reports a server that answered ConnectionRefused. The
// caller moves on to the next host or falls back to local
// compilation.
var ErrRefused = errors.New("server refused connection")

// DefaultTimeout bounds each protocol step when the config names
// none.
const DefaultTimeout = 180 * time.Second

// Session is one remote compilation attempt against one host.
type Session struct {
	conn    net.Conn
	host    *host.Host
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to h. timeout bounds the dial and every subsequent
// protocol step (per-message, not total).
func Dial(ctx context.Context, h *host.Host, timeout time.Duration, logger *slog.Logger) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", h.Addr())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", h.Addr(), err)
	}
	return &Session{conn: conn, host: h, timeout: timeout, logger: logger}, nil
}

// Close releases the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run executes the protocol state machine. The request's
// DependencyHashes double as the upload index: when the server asks
// for a digest, the file is read from the path that mapped to it.
// On success the returned result carries the exit code, output
// streams, and object files; writing them is the caller's step
// (WriteObjects).
func (s *Session) Run(ctx context.Context, request *wire.ArgumentRequest) (*wire.CompilationResult, error) {
	// Closing the socket is the only reliable way to interrupt a
	// blocking frame read on cancellation.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	// Init: the opening request carries argv and the dependency map.
	if err := s.send(request); err != nil {
		return nil, err
	}

	// AwaitDepList.
	message, err := s.receive()
	if err != nil {
		return nil, err
	}
	switch m := message.(type) {
	case *wire.ConnectionRefused:
		return nil, fmt.Errorf("%s: %w (%s)", s.host.Addr(), ErrRefused, m.Reason)

	case *wire.CompilationResult:
		// The server answered without negotiating. homccd does this
		// only for failures found before negotiation (unusable
		// sandbox, unsupported argv).
		return m, nil

	case *wire.DependencyRequest:
		if err := s.sendFiles(m.Needed, request.DependencyHashes); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unexpected %s while awaiting dependency list",
			wire.ErrMalformed, message.Kind())
	}

	// AwaitResult.
	message, err = s.receive()
	if err != nil {
		return nil, err
	}
	result, ok := message.(*wire.CompilationResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s while awaiting result",
			wire.ErrMalformed, message.Kind())
	}
	return result, nil
}

// sendFiles uploads each needed digest's file, then the end marker.
func (s *Session) sendFiles(needed []string, dependencies map[string]string) error {
	pathByDigest := make(map[string]string, len(dependencies))
	for path, digest := range dependencies {
		pathByDigest[digest] = path
	}

	for _, digest := range needed {
		path, ok := pathByDigest[digest]
		if !ok {
			return fmt.Errorf("server requested unknown digest %s", digest)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading dependency: %w", err)
		}
		s.logger.Debug("uploading dependency", "path", path, "bytes", len(content))
		if err := s.send(&wire.FileTransfer{Path: path, Digest: digest, Content: content}); err != nil {
			return err
		}
	}
	return s.send(&wire.FilesSent{})
}

func (s *Session) send(message wire.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("arming write deadline: %w", err)
	}
	if err := wire.Send(s.conn, message, s.host.Compression); err != nil {
		return fmt.Errorf("sending %s: %w", message.Kind(), err)
	}
	return nil
}

func (s *Session) receive() (wire.Message, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, fmt.Errorf("arming read deadline: %w", err)
	}
	message, err := wire.Receive(s.conn)
	if err != nil {
		return nil, err
	}
	return message, nil
}

// WriteObjects writes each returned object file to its client-side
// path. Called only for exit code zero results.
func WriteObjects(result *wire.CompilationResult) error {
	for _, object := range result.ObjectFiles {
		if err := os.MkdirAll(filepath.Dir(object.Path), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := os.WriteFile(object.Path, object.Content, 0o644); err != nil {
			return fmt.Errorf("writing object file: %w", err)
		}
	}
	return nil
}

// ExitCode converts the wire's unsigned exit code to the platform's
// signed form.
func ExitCode(result *wire.CompilationResult) int {
	return int(int32(result.ExitCode))
}
