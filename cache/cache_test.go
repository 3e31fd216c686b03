// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/homcc/homcc/deps"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, budget int64) *Cache {
	t.Helper()
	cache, err := New(Config{Dir: t.TempDir(), Budget: budget, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cache
}

func insert(t *testing.T, cache *Cache, content []byte) string {
	t.Helper()
	digest := deps.DigestBytes(content)
	if _, err := cache.Insert(digest, content); err != nil {
		t.Fatalf("Insert(%s): %v", digest[:8], err)
	}
	return digest
}

func TestInsertPinRoundTrip(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 1<<20)
	content := []byte("#pragma once\nstruct widget {};\n")
	digest := insert(t, cache, content)

	if !cache.Contains(digest) {
		t.Error("Contains after Insert = false")
	}

	path, err := cache.Pin(digest)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Error("blob content differs from inserted content")
	}
	if got, err := deps.DigestFile(path); err != nil || got != digest {
		t.Errorf("blob hashes to %s, want %s", got, digest)
	}
	cache.Unpin(digest)
}

func TestPinMissingDigest(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 1<<20)
	if _, err := cache.Pin("feedfacefeedface"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsBlobOverBudget(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 16)
	content := make([]byte, 17)
	if _, err := cache.Insert(deps.DigestBytes(content), content); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestEvictionIsLRUAndBounded(t *testing.T) {
	t.Parallel()

	// Budget fits exactly two 8-byte blobs.
	cache := newTestCache(t, 16)

	first := insert(t, cache, []byte("aaaaaaaa"))
	time.Sleep(5 * time.Millisecond)
	second := insert(t, cache, []byte("bbbbbbbb"))
	time.Sleep(5 * time.Millisecond)

	// Touch first so second becomes the LRU victim.
	if _, err := cache.Pin(first); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	cache.Unpin(first)
	time.Sleep(5 * time.Millisecond)

	third := insert(t, cache, []byte("cccccccc"))

	if cache.Contains(second) {
		t.Error("LRU entry survived eviction")
	}
	if !cache.Contains(first) || !cache.Contains(third) {
		t.Error("recently used entries were evicted")
	}
	if cache.Size() > 16 {
		t.Errorf("Size = %d, budget 16", cache.Size())
	}
}

func TestPinnedEntriesAreNotEvicted(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 16)
	pinned := insert(t, cache, []byte("aaaaaaaa"))
	if _, err := cache.Pin(pinned); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	insert(t, cache, []byte("bbbbbbbb"))

	// Inserting a third blob must evict the unpinned one, not the
	// pinned LRU entry.
	insert(t, cache, []byte("cccccccc"))
	if !cache.Contains(pinned) {
		t.Error("pinned entry was evicted")
	}
	cache.Unpin(pinned)
}

func TestInsertFailsWhenEverythingPinned(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 16)
	first := insert(t, cache, []byte("aaaaaaaa"))
	second := insert(t, cache, []byte("bbbbbbbb"))
	for _, digest := range []string{first, second} {
		if _, err := cache.Pin(digest); err != nil {
			t.Fatalf("Pin: %v", err)
		}
	}

	content := []byte("cccccccc")
	if _, err := cache.Insert(deps.DigestBytes(content), content); err == nil {
		t.Error("Insert should fail when the budget is full of pinned entries")
	}

	cache.Unpin(first)
	cache.Unpin(second)
	insert(t, cache, content)
}

func TestInsertExistingRefreshes(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 1 << 20)
	content := []byte("same bytes")
	digest := insert(t, cache, content)
	insert(t, cache, content)

	if cache.Len() != 1 {
		t.Errorf("Len = %d after duplicate insert, want 1", cache.Len())
	}
	if !cache.Contains(digest) {
		t.Error("entry missing after duplicate insert")
	}
}

func TestRecoveryRestoresAndPrunes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache, err := New(Config{Dir: dir, Budget: 1 << 20, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	good := insert(t, cache, []byte("survives restart"))
	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt entry: valid shard layout, content does not match name.
	bogus := deps.DigestBytes([]byte("claimed content"))
	shard := filepath.Join(dir, bogus[:2])
	if err := os.MkdirAll(shard, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shard, bogus), []byte("actual different content"), 0o644); err != nil {
		t.Fatalf("writing corrupt blob: %v", err)
	}

	// Leftover temp file from a crashed insert.
	if err := os.WriteFile(filepath.Join(dir, "insert-123.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("writing temp leftover: %v", err)
	}

	reopened, err := New(Config{Dir: dir, Budget: 1 << 20, Logger: testLogger()})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if !reopened.Contains(good) {
		t.Error("valid entry lost across restart")
	}
	if reopened.Contains(bogus) {
		t.Error("corrupt entry survived recovery")
	}
	if _, err := os.Stat(filepath.Join(dir, "insert-123.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Error("leftover temp file survived recovery")
	}
	if reopened.Len() != 1 {
		t.Errorf("Len = %d after recovery, want 1", reopened.Len())
	}
}

func TestRecoveryEnforcesShrunkBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache, err := New(Config{Dir: dir, Budget: 1 << 20, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 4; i++ {
		insert(t, cache, []byte(fmt.Sprintf("blob-%d-aa", i)))
	}

	reopened, err := New(Config{Dir: dir, Budget: 18, Logger: testLogger()})
	if err != nil {
		t.Fatalf("reopening with smaller budget: %v", err)
	}
	if reopened.Size() > 18 {
		t.Errorf("Size = %d, want ≤ 18", reopened.Size())
	}
}

func TestConcurrentInsertAndPin(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 1<<20)
	var group sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			for i := 0; i < 50; i++ {
				content := []byte(fmt.Sprintf("worker %d blob %d", worker, i%10))
				digest := deps.DigestBytes(content)
				if _, err := cache.Insert(digest, content); err != nil {
					t.Errorf("Insert: %v", err)
					return
				}
				path, err := cache.Pin(digest)
				if err != nil {
					t.Errorf("Pin: %v", err)
					return
				}
				if _, err := os.ReadFile(path); err != nil {
					t.Errorf("reading pinned blob: %v", err)
				}
				cache.Unpin(digest)
			}
		}(worker)
	}
	group.Wait()
}
