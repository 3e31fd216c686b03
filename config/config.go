// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads homcc and homccd configuration.
//
// The config file is TOML with [homcc] and [homccd] sections. It is
// searched at $HOMCC_DIR/config.toml, ~/.homcc/config.toml,
// ~/.config/homcc/config.toml, and /etc/homcc/config.toml; the first
// file found wins and no merging happens across locations. A missing
// file everywhere yields defaults.
//
// The hosts file uses the same directory order (file name "hosts"),
// overridden entirely by the HOMCC_HOSTS environment variable when
// set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/homcc/homcc/host"
)

// Client is the [homcc] section.
type Client struct {
	// Compiler is invoked when argv names none, that is when its
	// first entry is a flag (`homcc -c file.c`).
	Compiler string `toml:"compiler"`

	// Timeout bounds each protocol step, in seconds.
	Timeout int `toml:"timeout"`

	// Compression is the default wire compression for hosts that
	// name none.
	Compression string `toml:"compression"`

	// Profile is the default schroot profile requested from servers.
	Profile string `toml:"profile"`

	// DockerContainer is the default container requested from
	// servers.
	DockerContainer string `toml:"docker_container"`

	LogLevel string `toml:"log_level"`
	Verbose  bool   `toml:"verbose"`
}

// Server is the [homccd] section.
type Server struct {
	// Limit is the maximum number of concurrent jobs.
	Limit int `toml:"limit"`

	Port    int    `toml:"port"`
	Address string `toml:"address"`

	LogLevel string `toml:"log_level"`
	Verbose  bool   `toml:"verbose"`
}

// File is a parsed config file.
type File struct {
	Homcc  Client `toml:"homcc"`
	Homccd Server `toml:"homccd"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *File {
	return &File{
		Homcc: Client{
			Compiler: "gcc",
			Timeout:  180,
		},
		Homccd: Server{
			Limit:   runtime.NumCPU(),
			Port:    host.DefaultPort,
			Address: "0.0.0.0",
		},
	}
}

// searchDirs returns the config directory order. HOMCC_DIR, when
// set, is searched first.
func searchDirs() []string {
	var dirs []string
	if dir := os.Getenv("HOMCC_DIR"); dir != "" {
		dirs = append(dirs, dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".homcc"), filepath.Join(home, ".config", "homcc"))
	}
	return append(dirs, "/etc/homcc")
}

// Load finds and parses the config file, or returns Defaults when
// none exists. A file that exists but fails to parse is an error —
// silently ignoring a broken config hides mistakes.
func Load() (*File, error) {
	for _, dir := range searchDirs() {
		path := filepath.Join(dir, "config.toml")
		config := Defaults()
		if _, err := toml.DecodeFile(path, config); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return config, nil
	}
	return Defaults(), nil
}

// LoadHosts resolves the host list: HOMCC_HOSTS when set, otherwise
// the first hosts file found in the search order.
func LoadHosts() ([]*host.Host, error) {
	if inline := os.Getenv("HOMCC_HOSTS"); inline != "" {
		return host.ParseList(inline)
	}
	for _, dir := range searchDirs() {
		path := filepath.Join(dir, "hosts")
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer file.Close()
		hosts, err := host.ParseFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return hosts, nil
	}
	return nil, fmt.Errorf("no hosts configured: set HOMCC_HOSTS or create a hosts file")
}

// SlotDir returns the directory for cross-process slot counters.
func SlotDir() string {
	if dir := os.Getenv("HOMCC_DIR"); dir != "" {
		return filepath.Join(dir, "slots")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".homcc", "slots")
	}
	return filepath.Join(os.TempDir(), "homcc-slots")
}

// LogLevel maps the config's log_level / verbose pair to a slog
// level. verbose wins.
func LogLevel(level string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch level {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
