// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Homcc is the distributed compilation client. It mirrors the
// compiler's command line surface: `homcc g++ -c main.cpp -o main.o`
// behaves like the plain compiler invocation, except the compile
// itself runs on a remote homccd with a warm dependency cache.
//
// Invocations that cannot run remotely (linking, preprocessing,
// stdin input), hosts that are saturated or unreachable, and
// protocol failures all fall back to running the compiler locally.
// The exit code is the compiler's; configuration and usage errors
// exit with 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/homcc/homcc/args"
	"github.com/homcc/homcc/client"
	"github.com/homcc/homcc/config"
	"github.com/homcc/homcc/deps"
	"github.com/homcc/homcc/host"
	"github.com/homcc/homcc/slot"
	"github.com/homcc/homcc/wire"
)

// hostAttempts bounds how many remote attempts are made before giving
// up on remote compilation. Each attempt takes the first host with a
// free slot, so a failing host can be picked again.
const hostAttempts = 3

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// options are homcc's own flags, extracted from the mirrored
// compiler command line.
type options struct {
	hosts           string
	timeout         time.Duration
	compression     string
	profile         string
	dockerContainer string
	verbose         bool
}

// splitArgv separates homcc's own --flags from the compiler argv.
// Everything not recognized belongs to the compiler, so an unknown
// flag is never an error here.
func splitArgv(argv []string) (*options, []string, error) {
	opts := &options{}
	var compiler []string

	take := func(name, joined string, i *int) (string, error) {
		if joined != "" {
			return joined, nil
		}
		*i++
		if *i >= len(argv) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return argv[*i], nil
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		name, joined, _ := cutFlag(arg)
		switch name {
		case "--host", "--hosts":
			value, err := take(name, joined, &i)
			if err != nil {
				return nil, nil, err
			}
			opts.hosts = value
		case "--timeout":
			value, err := take(name, joined, &i)
			if err != nil {
				return nil, nil, err
			}
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds <= 0 {
				return nil, nil, fmt.Errorf("invalid --timeout %q", value)
			}
			opts.timeout = time.Duration(seconds) * time.Second
		case "--compression":
			value, err := take(name, joined, &i)
			if err != nil {
				return nil, nil, err
			}
			opts.compression = value
		case "--profile":
			value, err := take(name, joined, &i)
			if err != nil {
				return nil, nil, err
			}
			opts.profile = value
		case "--docker-container":
			value, err := take(name, joined, &i)
			if err != nil {
				return nil, nil, err
			}
			opts.dockerContainer = value
		case "--verbose":
			opts.verbose = true
		default:
			compiler = append(compiler, arg)
		}
	}
	return opts, compiler, nil
}

// cutFlag splits "--flag=value" into name and value.
func cutFlag(arg string) (name, value string, hasValue bool) {
	if len(arg) < 2 || arg[0] != '-' || arg[1] != '-' {
		return arg, "", false
	}
	for i := 2; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], true
		}
	}
	return arg, "", false
}

func run() (int, error) {
	loaded, err := config.Load()
	if err != nil {
		return 0, err
	}
	settings := loaded.Homcc

	opts, compilerArgv, err := splitArgv(os.Args[1:])
	if err != nil {
		return 0, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(settings.LogLevel, opts.verbose || settings.Verbose),
	}))
	slog.SetDefault(logger)

	if len(compilerArgv) == 0 {
		return 0, fmt.Errorf("no compiler arguments given")
	}
	// CCACHE_PREFIX-style use passes no compiler name; take it from
	// config.
	if compilerArgv[0][0] == '-' {
		compilerArgv = append([]string{settings.Compiler}, compilerArgv...)
	}

	timeout := opts.timeout
	if timeout <= 0 && settings.Timeout > 0 {
		timeout = time.Duration(settings.Timeout) * time.Second
	}
	profile := firstNonEmpty(opts.profile, settings.Profile)
	container := firstNonEmpty(opts.dockerContainer, settings.DockerContainer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Unsendable invocations skip the remote path entirely.
	if _, err := args.Inspect(compilerArgv); err != nil {
		if errors.Is(err, args.ErrUnsupported) {
			logger.Debug("compiling locally", "reason", err)
			return compileLocally(ctx, compilerArgv)
		}
		return 0, err
	}

	hosts, err := loadHosts(opts)
	if err != nil {
		return 0, err
	}

	defaultCompression, err := wire.ParseCompression(firstNonEmpty(opts.compression, settings.Compression))
	if err != nil {
		return 0, err
	}

	code, err := compileRemotely(ctx, compilerArgv, hosts, remoteOptions{
		timeout:     timeout,
		compression: defaultCompression,
		profile:     profile,
		container:   container,
		logger:      logger,
	})
	if err == nil {
		return code, nil
	}

	logger.Warn("remote compilation failed, falling back to local", "error", err)
	return compileLocally(ctx, compilerArgv)
}

func loadHosts(opts *options) ([]*host.Host, error) {
	if opts.hosts != "" {
		return host.ParseList(opts.hosts)
	}
	return config.LoadHosts()
}

type remoteOptions struct {
	timeout     time.Duration
	compression wire.Compression
	profile     string
	container   string
	logger      *slog.Logger
}

// compileRemotely makes up to hostAttempts attempts. A localhost entry
// compiles locally while holding its slot — the slot still bounds
// machine load.
func compileRemotely(ctx context.Context, compilerArgv []string, hosts []*host.Host, opts remoteOptions) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("resolving cwd: %w", err)
	}

	registry, err := slot.NewRegistry(config.SlotDir(), opts.logger)
	if err != nil {
		return 0, err
	}
	if removed, err := registry.Janitor(); err != nil {
		opts.logger.Debug("slot janitor failed", "error", err)
	} else if removed > 0 {
		opts.logger.Debug("slot janitor removed stale records", "count", removed)
	}

	scanner := &deps.Scanner{Logger: opts.logger}
	dependencies, err := scanner.Scan(ctx, compilerArgv, cwd)
	if err != nil {
		return 0, err
	}

	selector := &slot.Selector{Hosts: hosts, Registry: registry, Logger: opts.logger}

	var lastErr error
	for attempt := 0; attempt < hostAttempts; attempt++ {
		chosen, reservation, err := selector.Acquire(ctx)
		if err != nil {
			return 0, err
		}

		code, err := func() (int, error) {
			defer reservation.Release()

			if chosen.Kind == host.LocalTCP {
				opts.logger.Debug("localhost entry, compiling locally", "host", chosen.Name)
				return compileLocally(ctx, compilerArgv)
			}
			return compileAt(ctx, chosen, compilerArgv, cwd, dependencies, opts)
		}()
		if err == nil {
			return code, nil
		}
		lastErr = err
		opts.logger.Warn("host attempt failed", "host", chosen.Addr(), "error", err)
	}
	return 0, fmt.Errorf("all host attempts failed: %w", lastErr)
}

// compileAt runs one session against one host. The configured
// timeout bounds each protocol step inside the session and, through
// the derived context, the job as a whole.
func compileAt(ctx context.Context, chosen *host.Host, compilerArgv []string, cwd string,
	dependencies map[string]string, opts remoteOptions) (int, error) {

	total := opts.timeout
	if total <= 0 {
		total = client.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	// The host's own compression wins over config defaults.
	if chosen.Compression == wire.CompressionNone && opts.compression != wire.CompressionNone {
		withDefault := *chosen
		withDefault.Compression = opts.compression
		chosen = &withDefault
	}

	session, err := client.Dial(ctx, chosen, opts.timeout, opts.logger)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	result, err := session.Run(ctx, &wire.ArgumentRequest{
		Args:             compilerArgv,
		Cwd:              cwd,
		Profile:          opts.profile,
		DockerContainer:  opts.container,
		DependencyHashes: dependencies,
	})
	if err != nil {
		return 0, err
	}

	// The compiler ran: its streams and exit code are the user's,
	// whatever the outcome.
	fmt.Fprint(os.Stdout, result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)

	code := client.ExitCode(result)
	if code == 0 {
		if err := client.WriteObjects(result); err != nil {
			return 0, err
		}
	}
	return code, nil
}

// compileLocally executes the compiler in place with inherited
// stdio, mirroring its exit code.
func compileLocally(ctx context.Context, compilerArgv []string) (int, error) {
	command := exec.CommandContext(ctx, compilerArgv[0], compilerArgv[1:]...)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := command.Run(); err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), nil
		}
		return 0, fmt.Errorf("running compiler: %w", err)
	}
	return 0, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
