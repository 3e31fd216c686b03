// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/homcc/homcc/host"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHost(t *testing.T, entry string) *host.Host {
	t.Helper()
	h, err := host.Parse(entry)
	if err != nil {
		t.Fatalf("host.Parse(%q): %v", entry, err)
	}
	return h
}

func TestAcquireUpToLimit(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := testHost(t, "buildbox/2")

	first, err := registry.TryAcquire(h)
	if err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	second, err := registry.TryAcquire(h)
	if err != nil {
		t.Fatalf("second TryAcquire: %v", err)
	}
	if first.Index == second.Index {
		t.Errorf("both reservations got slot %d", first.Index)
	}

	if _, err := registry.TryAcquire(h); !errors.Is(err, ErrExhausted) {
		t.Errorf("third TryAcquire = %v, want ErrExhausted", err)
	}

	held, err := registry.Held(h)
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if held != 2 {
		t.Errorf("Held = %d, want 2", held)
	}

	second.Release()
	if _, err := registry.TryAcquire(h); err != nil {
		t.Errorf("TryAcquire after Release: %v", err)
	}
	first.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := testHost(t, "buildbox/1")

	reservation, err := registry.TryAcquire(h)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	reservation.Release()
	reservation.Release()

	if _, err := registry.TryAcquire(h); err != nil {
		t.Errorf("TryAcquire after double Release: %v", err)
	}
}

func TestJanitorRemovesStaleRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry, err := NewRegistry(dir, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := testHost(t, "buildbox/2")

	// A live reservation: its record must survive the janitor.
	live, err := registry.TryAcquire(h)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer live.Release()

	// A record owned by a process that has already exited.
	probe := exec.Command("true")
	if err := probe.Start(); err != nil {
		t.Fatalf("starting probe process: %v", err)
	}
	deadPid := probe.Process.Pid
	if err := probe.Wait(); err != nil {
		t.Fatalf("waiting for probe process: %v", err)
	}

	staleRecord, err := cbor.Marshal(pidRecord{Pid: deadPid, Host: h.ID(), Slot: 1, Started: time.Now()})
	if err != nil {
		t.Fatalf("cbor.Marshal: %v", err)
	}
	stalePath := filepath.Join(dir, h.ID(), "1.pid")
	if err := os.WriteFile(stalePath, staleRecord, 0o644); err != nil {
		t.Fatalf("writing stale record: %v", err)
	}

	removed, err := registry.Janitor()
	if err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	if removed != 1 {
		t.Errorf("Janitor removed %d records, want 1", removed)
	}
	if _, err := os.Stat(stalePath); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale record still present")
	}

	livePath := filepath.Join(dir, h.ID(), "0.pid")
	if _, err := os.Stat(livePath); err != nil {
		t.Errorf("live record removed: %v", err)
	}
}

func TestJanitorRemovesCorruptRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry, err := NewRegistry(dir, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	hostDir := filepath.Join(dir, "tcp_buildbox_3633")
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, "0.pid"), []byte("not cbor"), 0o644); err != nil {
		t.Fatalf("writing corrupt record: %v", err)
	}

	removed, err := registry.Janitor()
	if err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	if removed != 1 {
		t.Errorf("Janitor removed %d records, want 1", removed)
	}
}

func TestSelectorPrefersEarlierHosts(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	hosts := []*host.Host{testHost(t, "first/1"), testHost(t, "second/1")}
	selector := &Selector{Hosts: hosts, Registry: registry, Logger: testLogger()}

	chosen, reservation, err := selector.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer reservation.Release()
	if chosen.Name != "first" {
		t.Errorf("chose %q, want %q", chosen.Name, "first")
	}

	// First is full now; the next acquire falls through to second.
	chosen2, reservation2, err := selector.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer reservation2.Release()
	if chosen2.Name != "second" {
		t.Errorf("chose %q, want %q", chosen2.Name, "second")
	}
}

func TestSelectorBlocksUntilSlotFrees(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	hosts := []*host.Host{testHost(t, "only/1")}
	selector := &Selector{
		Hosts:         hosts,
		Registry:      registry,
		RetryInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	}

	_, first, err := selector.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, second, err := selector.Acquire(ctx)
	if err != nil {
		t.Fatalf("blocking Acquire: %v", err)
	}
	second.Release()
}

func TestSelectorHonorsContext(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	hosts := []*host.Host{testHost(t, "only/1")}
	selector := &Selector{
		Hosts:         hosts,
		Registry:      registry,
		RetryInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	}

	_, reservation, err := selector.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer reservation.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := selector.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}
