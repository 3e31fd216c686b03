// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/homcc/homcc/args"
	"github.com/homcc/homcc/deps"
	"github.com/homcc/homcc/sandbox"
	"github.com/homcc/homcc/wire"
)

// ErrIntegrity reports a transferred file whose content does not
// hash to its declared digest. The connection is closed without a
// result and nothing enters the cache.
var ErrIntegrity = errors.New("file content does not match declared digest")

// job is the state of one accepted connection.
type job struct {
	id      string
	rootDir string
	conn    net.Conn
	server  *Server
	logger  *slog.Logger

	// compression mirrors the algorithm the client used on its
	// opening frame.
	compression wire.Compression

	// pinned digests to unpin on teardown.
	pinned []string
}

// runJob drives one connection through the §4.8-style lifecycle:
// parse, negotiate dependencies, materialize, compile, respond,
// tear down. In-job failures become a CompilationResult with a
// non-zero exit; protocol and integrity failures close the
// connection.
func (s *Server) runJob(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	j := &job{
		id:      id,
		rootDir: filepath.Join(s.config.ScratchDir, "homcc-"+id),
		conn:    conn,
		server:  s,
		logger:  s.logger.With("job", id, "remote", conn.RemoteAddr().String()),
	}
	defer j.teardown()

	// Closing the socket on cancellation unblocks any pending frame
	// read; the compiler child dies with the context.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	result, err := j.run(ctx)
	if err != nil {
		// Protocol-level failure: nothing useful to tell the peer.
		j.logger.Warn("job aborted", "error", err)
		return
	}
	if err := wire.Send(conn, result, j.compression); err != nil {
		j.logger.Warn("sending result failed", "error", err)
		return
	}
	j.logger.Info("job complete", "exit", result.ExitCode, "objects", len(result.ObjectFiles))
}

// run returns a CompilationResult to send, or an error that closes
// the connection with no result.
func (j *job) run(ctx context.Context) (*wire.CompilationResult, error) {
	message, compression, err := wire.ReceiveFrame(j.conn)
	if err != nil {
		return nil, err
	}
	j.compression = compression

	request, ok := message.(*wire.ArgumentRequest)
	if !ok {
		return nil, fmt.Errorf("%w: expected ArgumentRequest, got %s", wire.ErrMalformed, message.Kind())
	}
	j.logger.Debug("received request", "args", request.Args, "dependencies", len(request.DependencyHashes))

	// The sandbox is selected before any transfer so an unusable
	// profile fails fast.
	runner, err := sandbox.Select(request.Profile, request.DockerContainer, j.logger)
	if err != nil {
		return failure(err), nil
	}

	rewritten, err := args.Rewrite(request.Args, request.Cwd, j.rootDir)
	if err != nil {
		return failure(err), nil
	}

	if err := j.negotiate(request.DependencyHashes); err != nil {
		if errors.Is(err, ErrIntegrity) || errors.Is(err, wire.ErrPeerClosed) ||
			errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrOverflow) {
			return nil, err
		}
		return failure(err), nil
	}

	if err := j.materialize(request.DependencyHashes); err != nil {
		return failure(err), nil
	}

	cwd := filepath.Join(j.rootDir, request.Cwd)
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return failure(fmt.Errorf("creating job cwd: %w", err)), nil
	}
	// Output directories existed on the client; recreate them so the
	// compiler can write into the scratch tree.
	for _, output := range rewritten.Outputs {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(j.rootDir, output)), 0o755); err != nil {
			return failure(fmt.Errorf("creating output directory: %w", err)), nil
		}
	}

	result, err := runner.Run(ctx, rewritten.Argv, cwd, nil)
	if err != nil {
		return failure(err), nil
	}

	response := &wire.CompilationResult{
		ExitCode: uint32(result.ExitCode),
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}
	if result.ExitCode == 0 {
		for _, output := range rewritten.Outputs {
			content, err := os.ReadFile(filepath.Join(j.rootDir, output))
			if err != nil {
				return failure(fmt.Errorf("collecting object file: %w", err)), nil
			}
			response.ObjectFiles = append(response.ObjectFiles, wire.ObjectFile{
				Path:    output,
				Content: content,
			})
		}
	}
	return response, nil
}

// negotiate tells the client which digests are missing and ingests
// the uploads. Transferred content is verified against its declared
// digest before anything is cached.
func (j *job) negotiate(dependencies map[string]string) error {
	needed := make(map[string]bool)
	var neededList []string
	for _, digest := range dependencies {
		if !needed[digest] && !j.server.config.Cache.Contains(digest) {
			needed[digest] = true
			neededList = append(neededList, digest)
		}
	}
	j.logger.Debug("dependency negotiation", "total", len(dependencies), "needed", len(neededList))

	if err := wire.Send(j.conn, &wire.DependencyRequest{Needed: neededList}, j.compression); err != nil {
		return err
	}

	// Even with nothing needed the client sends its FilesSent marker.
	for {
		message, err := wire.Receive(j.conn)
		if err != nil {
			return err
		}
		switch m := message.(type) {
		case *wire.FilesSent:
			for digest := range needed {
				if !j.server.config.Cache.Contains(digest) {
					return fmt.Errorf("client finished without sending %s", digest)
				}
			}
			return nil

		case *wire.FileTransfer:
			if actual := deps.DigestBytes(m.Content); actual != m.Digest {
				return fmt.Errorf("%w: %s declared %s, content hashes to %s",
					ErrIntegrity, m.Path, m.Digest, actual)
			}
			if !needed[m.Digest] {
				j.logger.Debug("ignoring unrequested file", "path", m.Path)
				continue
			}
			if _, err := j.server.config.Cache.Insert(m.Digest, m.Content); err != nil {
				return fmt.Errorf("caching %s: %w", m.Path, err)
			}

		default:
			return fmt.Errorf("%w: unexpected %s during file transfer", wire.ErrMalformed, message.Kind())
		}
	}
}

// materialize pins every dependency and links it into the scratch
// tree at its reparented path. Hard links keep materialization free
// of copies; a cross-device cache falls back to copying. Symlinks
// are never used — a chroot would resolve them outside the tree.
func (j *job) materialize(dependencies map[string]string) error {
	if err := os.MkdirAll(j.rootDir, 0o755); err != nil {
		return fmt.Errorf("creating scratch root: %w", err)
	}

	for path, digest := range dependencies {
		blobPath, err := j.server.config.Cache.Pin(digest)
		if err != nil {
			return fmt.Errorf("pinning %s: %w", path, err)
		}
		j.pinned = append(j.pinned, digest)

		target := filepath.Join(j.rootDir, path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating scratch directory for %s: %w", path, err)
		}
		if err := os.Link(blobPath, target); err != nil {
			if !errors.Is(err, unix.EXDEV) {
				return fmt.Errorf("linking %s: %w", path, err)
			}
			if err := copyFile(blobPath, target); err != nil {
				return fmt.Errorf("copying %s: %w", path, err)
			}
		}
	}
	return nil
}

// teardown unpins dependencies and removes the scratch tree. Runs on
// every exit path, cancellation included.
func (j *job) teardown() {
	for _, digest := range j.pinned {
		j.server.config.Cache.Unpin(digest)
	}
	if err := os.RemoveAll(j.rootDir); err != nil {
		j.logger.Warn("removing scratch root failed", "error", err)
	}
}

// failure wraps an in-job error as a result the client can surface.
func failure(err error) *wire.CompilationResult {
	return &wire.CompilationResult{
		ExitCode: 1,
		Stderr:   "homccd: " + err.Error(),
	}
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
