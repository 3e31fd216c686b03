// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package host parses compile host specifications and selects a host
// for a job subject to its slot limit.
//
// The hosts file is line oriented. Blank lines and lines starting
// with '#' are skipped; an inline '#' comment after the host token is
// trimmed. Each remaining line is
//
//	HOST[:PORT][/LIMIT][,COMPRESSION]
//
// where HOST is a DNS name, an IPv4 literal, or a bracketed IPv6
// literal, LIMIT is the host's slot count, and COMPRESSION names a
// wire compression algorithm.
package host

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/homcc/homcc/wire"
)

// DefaultPort is the homccd listen port used when a host entry names
// none.
const DefaultPort = 3633

// DefaultLimit is the slot count for remote hosts that name none.
const DefaultLimit = 2

// Kind distinguishes how a host is reached.
type Kind int

const (
	// TCP is a remote homccd reached over the network.
	TCP Kind = iota

	// LocalTCP is an entry naming this machine ("localhost",
	// "127.0.0.1", "::1"). The client compiles such jobs locally under
	// the entry's slot instead of connecting; Parse gives it a
	// CPU-count default slot limit.
	LocalTCP
)

// Host is one parsed hosts-file entry. Immutable after parsing.
type Host struct {
	// Name is the DNS name or address literal, brackets stripped.
	Name string

	// Port is the homccd TCP port.
	Port int

	// Limit is the number of concurrent jobs this host accepts from
	// this machine.
	Limit int

	// Compression is applied to frames sent to this host.
	Compression wire.Compression

	// Kind is TCP or LocalTCP.
	Kind Kind
}

// Addr returns the dial address, bracketing IPv6 literals.
func (h *Host) Addr() string {
	if strings.Contains(h.Name, ":") {
		return fmt.Sprintf("[%s]:%d", h.Name, h.Port)
	}
	return fmt.Sprintf("%s:%d", h.Name, h.Port)
}

// ID returns a deterministic identifier for the (host, port) pair,
// safe for use as a directory name. Concurrent client processes
// derive the same ID for the same entry and therefore share its slot
// counter.
func (h *Host) ID() string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(h.Name)
	return fmt.Sprintf("tcp_%s_%d", name, h.Port)
}

func (h *Host) String() string {
	s := h.Addr() + "/" + strconv.Itoa(h.Limit)
	if h.Compression != wire.CompressionNone {
		s += "," + h.Compression.String()
	}
	return s
}

// validHostName reports whether name is a plausible DNS name, IPv4
// literal, or raw IPv6 literal: letters, digits, dots, colons,
// underscores, and dashes only. Anything else — whitespace included —
// is a malformed hosts-file token.
func validHostName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == ':' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Parse parses a single host entry. The input must already be
// comment- and whitespace-trimmed (see ParseFile).
func Parse(entry string) (*Host, error) {
	if entry == "" {
		return nil, fmt.Errorf("empty host entry")
	}

	host := &Host{Port: DefaultPort, Limit: 0, Kind: TCP}
	rest := entry

	// Trailing ,COMPRESSION.
	if comma := strings.LastIndexByte(rest, ','); comma >= 0 {
		algorithm, err := wire.ParseCompression(rest[comma+1:])
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", entry, err)
		}
		host.Compression = algorithm
		rest = rest[:comma]
	}

	// Trailing /LIMIT.
	if slash := strings.LastIndexByte(rest, '/'); slash >= 0 {
		limit, err := strconv.Atoi(rest[slash+1:])
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("host %q: invalid limit %q", entry, rest[slash+1:])
		}
		host.Limit = limit
		rest = rest[:slash]
	}

	// [IPv6] with optional :PORT after the bracket.
	if strings.HasPrefix(rest, "[") {
		closing := strings.IndexByte(rest, ']')
		if closing < 0 {
			return nil, fmt.Errorf("host %q: unterminated IPv6 bracket", entry)
		}
		host.Name = rest[1:closing]
		if tail := rest[closing+1:]; tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return nil, fmt.Errorf("host %q: unexpected %q after bracket", entry, tail)
			}
			port, err := strconv.Atoi(tail[1:])
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("host %q: invalid port %q", entry, tail[1:])
			}
			host.Port = port
		}
	} else {
		// NAME or NAME:PORT. A name with more than one colon and no
		// brackets is a raw IPv6 literal with no port.
		if strings.Count(rest, ":") == 1 {
			colon := strings.IndexByte(rest, ':')
			port, err := strconv.Atoi(rest[colon+1:])
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("host %q: invalid port %q", entry, rest[colon+1:])
			}
			if !validHostName(rest[:colon]) {
				return nil, fmt.Errorf("host %q: invalid host name %q", entry, rest[:colon])
			}
			host.Name = rest[:colon]
			host.Port = port
		} else {
			if !validHostName(rest) {
				return nil, fmt.Errorf("host %q: invalid host name %q", entry, rest)
			}
			host.Name = rest
		}
	}

	if host.Name == "" {
		return nil, fmt.Errorf("host %q: empty host name", entry)
	}

	if host.Name == "localhost" || host.Name == "127.0.0.1" || host.Name == "::1" {
		host.Kind = LocalTCP
	}

	if host.Limit == 0 {
		if host.Kind == LocalTCP {
			host.Limit = runtime.NumCPU()
		} else {
			host.Limit = DefaultLimit
		}
	}

	return host, nil
}

// ParseFile reads a hosts file: one entry per line, '#' comments,
// blank lines ignored. Entries keep file order.
func ParseFile(r io.Reader) ([]*Host, error) {
	var hosts []*Host
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		host, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		hosts = append(hosts, host)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading hosts: %w", err)
	}
	return hosts, nil
}

// ParseList parses a whitespace-separated inline host list, the
// format of the HOMCC_HOSTS environment variable.
func ParseList(value string) ([]*Host, error) {
	var hosts []*Host
	for _, entry := range strings.Fields(value) {
		host, err := Parse(entry)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}
