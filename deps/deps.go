// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package deps discovers the file set a translation unit reads and
// digests it.
//
// Discovery runs the compiler in dependency-listing mode and parses
// the resulting Makefile rule. Digests are BLAKE3 over the exact
// file bytes; the hex digest doubles as the server cache key.
package deps

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/homcc/homcc/args"
)

// DigestBytes returns the hex BLAKE3 digest of content.
func DigestBytes(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DigestFile returns the hex BLAKE3 digest of the file at path.
func DigestFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return DigestBytes(content), nil
}

// Scanner discovers and digests dependencies.
type Scanner struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Scan runs the dependency-listing variant of argv in cwd and
// returns the dependency set as {absolute path → digest}. The paths
// are the ones the server's scratch tree must reproduce.
func (s *Scanner) Scan(ctx context.Context, argv []string, cwd string) (map[string]string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dependencyArgv := args.DependencyArgv(argv)
	logger.Debug("scanning dependencies", "argv", dependencyArgv)

	command := exec.CommandContext(ctx, dependencyArgv[0], dependencyArgv[1:]...)
	command.Dir = cwd
	command.Stdin = nil
	output, err := command.Output()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return nil, fmt.Errorf("dependency scan failed: %s", strings.TrimSpace(string(exitError.Stderr)))
		}
		return nil, fmt.Errorf("running dependency scan: %w", err)
	}

	paths := parseMakeRule(string(output))
	dependencies := make(map[string]string, len(paths))
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		path = filepath.Clean(path)
		if _, seen := dependencies[path]; seen {
			continue
		}
		digest, err := DigestFile(path)
		if err != nil {
			return nil, fmt.Errorf("digesting dependency: %w", err)
		}
		dependencies[path] = digest
	}

	logger.Debug("dependency scan complete", "count", len(dependencies))
	return dependencies, nil
}

// parseMakeRule extracts the prerequisite paths from compiler -M
// output: "target.o: dep1 dep2 \\\n dep3". Backslash-newline
// continuations and backslash-escaped spaces in paths are handled;
// the target before the first ':' is skipped.
func parseMakeRule(rule string) []string {
	rule = strings.ReplaceAll(rule, "\\\r\n", " ")
	rule = strings.ReplaceAll(rule, "\\\n", " ")

	if colon := strings.IndexByte(rule, ':'); colon >= 0 {
		rule = rule[colon+1:]
	}

	var paths []string
	var current strings.Builder
	escaped := false
	flush := func() {
		if current.Len() > 0 {
			paths = append(paths, current.String())
			current.Reset()
		}
	}

	for _, r := range rule {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return paths
}
