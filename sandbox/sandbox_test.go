// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectCapturesOutputAndExit(t *testing.T) {
	t.Parallel()

	runner := &Direct{logger: testLogger()}
	result, err := runner.Run(context.Background(),
		[]string{"sh", "-c", "echo out; echo err >&2; exit 3"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
}

func TestDirectRunsInGivenCwd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &Direct{logger: testLogger()}
	result, err := runner.Run(context.Background(), []string{"pwd"}, dir, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != dir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(result.Stdout), dir)
	}
}

func TestDirectMissingBinaryIsError(t *testing.T) {
	t.Parallel()

	runner := &Direct{logger: testLogger()}
	if _, err := runner.Run(context.Background(), []string{"/no/such/compiler"}, t.TempDir(), nil); err == nil {
		t.Error("Run of a missing binary should error")
	}
}

func TestSelectDefaultsToDirect(t *testing.T) {
	t.Parallel()

	runner, err := Select("", "", testLogger())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, ok := runner.(*Direct); !ok {
		t.Errorf("Select returned %T, want *Direct", runner)
	}
}

func TestSelectRejectsProfileAndContainer(t *testing.T) {
	t.Parallel()

	if _, err := Select("bookworm", "buildbox", testLogger()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestSelectMissingSchrootIsUnavailable(t *testing.T) {
	t.Parallel()

	// The test environment has no schroot profile by this name even
	// if schroot happens to be installed.
	if _, err := Select("homcc-test-no-such-profile", "", testLogger()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestSelectMissingContainerIsUnavailable(t *testing.T) {
	t.Parallel()

	if _, err := Select("", "homcc-test-no-such-container", testLogger()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"don't", `'don'\''t'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSchrootProfilePattern(t *testing.T) {
	t.Parallel()

	output := "chroot:bookworm\nchroot:sid\nsession:abc\n"
	matches := schrootProfilePattern.FindAllStringSubmatch(output, -1)
	if len(matches) != 2 {
		t.Fatalf("matched %d profiles, want 2", len(matches))
	}
	if matches[0][1] != "bookworm" || matches[1][1] != "sid" {
		t.Errorf("profiles = %v", matches)
	}
}
