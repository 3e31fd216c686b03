// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes compiler commands, optionally inside a
// schroot profile or a running docker container.
//
// All three back-ends satisfy the same Runner contract; selection is
// by request data (the client's profile / container fields), not by
// server configuration. Both isolated back-ends rely on /tmp being
// visible inside the environment — schroot profiles must mount it,
// containers must bind it — because job scratch trees live there.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// ErrUnavailable reports that the requested schroot profile or
// docker container is not usable on this machine.
var ErrUnavailable = errors.New("sandbox unavailable")

// Result is the outcome of a sandboxed command.
type Result struct {
	// ExitCode is the command's exit status.
	ExitCode int

	Stdout string
	Stderr string
}

// Runner executes one command with stdin closed and both output
// streams captured. A non-zero exit is not an error — it is reported
// through Result.ExitCode. The error return covers failures to run
// at all.
type Runner interface {
	Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error)
}

// Select returns the Runner for a request. An empty profile and
// container select direct execution. Requesting both at once is
// rejected. Availability is probed here so jobs fail before any
// scratch tree is built.
func Select(profile, container string, logger *slog.Logger) (Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case profile != "" && container != "":
		return nil, fmt.Errorf("%w: both schroot profile and docker container requested", ErrUnavailable)

	case profile != "":
		if err := probeSchroot(profile); err != nil {
			return nil, err
		}
		return &Schroot{Profile: profile, logger: logger}, nil

	case container != "":
		if err := probeDocker(container); err != nil {
			return nil, err
		}
		return &Docker{Container: container, logger: logger}, nil

	default:
		return &Direct{logger: logger}, nil
	}
}

// capture runs an assembled command with captured output and maps a
// non-zero exit into Result instead of error.
func capture(ctx context.Context, name string, argv []string, cwd string, env []string, logger *slog.Logger) (*Result, error) {
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Dir = cwd
	command.Env = env
	command.Stdin = nil

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	logger.Debug("running compiler", "driver", name, "argv", argv, "cwd", cwd)

	err := command.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%s driver: %w", name, err)
	}
	return result, nil
}

// Direct runs the compiler as an ordinary child process.
type Direct struct {
	logger *slog.Logger
}

func (d *Direct) Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error) {
	return capture(ctx, "direct", argv, cwd, env, d.logger)
}

// Schroot runs the compiler inside a named schroot profile.
type Schroot struct {
	// Profile is the schroot environment name.
	Profile string

	logger *slog.Logger
}

func (s *Schroot) Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error) {
	wrapped := append([]string{"schroot", "-c", s.Profile, "-d", cwd, "--"}, argv...)
	return capture(ctx, "schroot", wrapped, "", env, s.logger)
}

// Docker runs the compiler inside an already-running container.
type Docker struct {
	// Container is the container name or ID.
	Container string

	logger *slog.Logger
}

func (d *Docker) Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error) {
	// docker exec has no -d equivalent for arbitrary cwd on older
	// engines, so the cd happens inside the shell.
	script := fmt.Sprintf("cd %s && %s", shellQuote(cwd), shellJoin(argv))
	wrapped := []string{"docker", "exec", d.Container, "sh", "-c", script}
	return capture(ctx, "docker", wrapped, "", env, d.logger)
}

// schrootProfilePattern extracts profile names from `schroot -l`
// output lines like "chroot:bookworm".
var schrootProfilePattern = regexp.MustCompile(`(?mi)^chroot:(.+)$`)

// probeSchroot verifies schroot is installed and lists the profile.
func probeSchroot(profile string) error {
	path, err := exec.LookPath("schroot")
	if err != nil {
		return fmt.Errorf("%w: schroot not installed", ErrUnavailable)
	}
	output, err := exec.Command(path, "-l").Output()
	if err != nil {
		return fmt.Errorf("%w: listing schroot profiles: %v", ErrUnavailable, err)
	}
	for _, match := range schrootProfilePattern.FindAllStringSubmatch(string(output), -1) {
		if strings.TrimSpace(match[1]) == profile {
			return nil
		}
	}
	return fmt.Errorf("%w: schroot profile %q not found", ErrUnavailable, profile)
}

// probeDocker verifies docker is installed and the container is
// running.
func probeDocker(container string) error {
	path, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("%w: docker not installed", ErrUnavailable)
	}
	output, err := exec.Command(path, "container", "inspect", "-f", "{{.State.Running}}", container).Output()
	if err != nil {
		return fmt.Errorf("%w: container %q not found", ErrUnavailable, container)
	}
	if !strings.Contains(string(output), "true") {
		return fmt.Errorf("%w: container %q is not running", ErrUnavailable, container)
	}
	return nil
}

// shellQuote single-quotes a string for sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}
