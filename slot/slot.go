// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package slot reserves per-host compile slots across every homcc
// process on a machine.
//
// A host with limit N owns N lock files under
// <dir>/<host-id>/<index>.lock. Holding slot i means holding an
// advisory flock on lock file i. The kernel drops advisory locks when
// the owning process dies, whatever the cause, so a SIGKILLed client
// cannot leak a slot: the reservation invariant survives crashes
// without any recovery protocol.
//
// Next to each held lock the owner writes a <index>.pid record naming
// its pid, the host, and the start time. Records exist for
// observability (a monitor can list in-flight compilations) and are
// cleaned by the janitor when their owner is gone.
package slot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/homcc/homcc/host"
)

// ErrExhausted reports that every slot of a host is currently held.
var ErrExhausted = errors.New("all slots busy")

// Registry manages the slot directory for one machine.
type Registry struct {
	dir    string
	logger *slog.Logger
}

// NewRegistry opens (creating if needed) the slot directory. All
// client processes on a machine must use the same directory to share
// slot counters.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}
	return &Registry{dir: dir, logger: logger}, nil
}

// Reservation is one held slot. Release it on every exit path.
type Reservation struct {
	HostID string
	Index  int

	lock     *flock.Flock
	pidPath  string
	released bool
}

// pidRecord is the sidecar written next to a held lock.
type pidRecord struct {
	Pid     int       `cbor:"pid"`
	Host    string    `cbor:"host"`
	Slot    int       `cbor:"slot"`
	Started time.Time `cbor:"started"`
}

// TryAcquire attempts a non-blocking acquire of any free slot of h.
// Returns ErrExhausted when all of them are held.
func (r *Registry) TryAcquire(h *host.Host) (*Reservation, error) {
	hostDir := filepath.Join(r.dir, h.ID())
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating host slot directory: %w", err)
	}

	for index := 0; index < h.Limit; index++ {
		lock := flock.New(filepath.Join(hostDir, fmt.Sprintf("%d.lock", index)))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking slot %d of %s: %w", index, h.ID(), err)
		}
		if !locked {
			continue
		}

		pidPath := filepath.Join(hostDir, fmt.Sprintf("%d.pid", index))
		record, err := cbor.Marshal(pidRecord{
			Pid:     os.Getpid(),
			Host:    h.ID(),
			Slot:    index,
			Started: time.Now(),
		})
		if err == nil {
			err = os.WriteFile(pidPath, record, 0o644)
		}
		if err != nil {
			// The lock itself is what counts; a missing record only
			// degrades monitoring.
			r.logger.Warn("writing slot pid record failed", "host", h.ID(), "slot", index, "error", err)
		}

		r.logger.Debug("acquired slot", "host", h.ID(), "slot", index)
		return &Reservation{HostID: h.ID(), Index: index, lock: lock, pidPath: pidPath}, nil
	}

	return nil, fmt.Errorf("%s: %w", h.ID(), ErrExhausted)
}

// Release frees the slot. Safe to call more than once.
func (s *Reservation) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	os.Remove(s.pidPath)
	s.lock.Unlock()
}

// Janitor removes pid records whose owning process no longer exists.
// Locks themselves need no recovery (the kernel already dropped
// them); the janitor keeps the record directory truthful for
// monitoring. Returns the number of stale records removed.
func (r *Registry) Janitor() (int, error) {
	removed := 0
	err := filepath.WalkDir(r.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var record pidRecord
		if err := cbor.Unmarshal(data, &record); err != nil || record.Pid <= 0 {
			// Unreadable record: treat as stale.
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		}
		if !pidAlive(record.Pid) {
			r.logger.Debug("removing stale slot record", "pid", record.Pid, "host", record.Host, "slot", record.Slot)
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("scanning slot directory: %w", err)
	}
	return removed, nil
}

// Held reports how many slots of h are currently reserved, by
// probing each lock without keeping it.
func (r *Registry) Held(h *host.Host) (int, error) {
	hostDir := filepath.Join(r.dir, h.ID())
	held := 0
	for index := 0; index < h.Limit; index++ {
		lock := flock.New(filepath.Join(hostDir, fmt.Sprintf("%d.lock", index)))
		locked, err := lock.TryLock()
		if err != nil {
			return held, fmt.Errorf("probing slot %d of %s: %w", index, h.ID(), err)
		}
		if locked {
			lock.Unlock()
		} else {
			held++
		}
	}
	return held, nil
}

// pidAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything;
// EPERM still means the process is there.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
