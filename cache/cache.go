// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is homccd's content-addressed dependency store.
//
// Entries are keyed by the hex BLAKE3 digest of their content and
// laid out on disk as <dir>/<hex[:2]>/<digest> for filesystem
// fan-out. The store is bounded: inserts that would exceed the byte
// budget evict unpinned entries in least-recently-used order first.
// Pinned entries (refcount > 0) are never evicted — a job pins every
// dependency it links into its scratch tree and unpins on teardown.
//
// All metadata lives under one mutex; blob file reads after Pin
// happen outside it. On startup the directory is rescanned: sizes
// are recomputed, entries whose content no longer hashes to their
// name are deleted, and last-used times come from file mtimes,
// refined by the CBOR journal a clean shutdown leaves behind.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/homcc/homcc/deps"
)

// Errors returned by cache operations.
var (
	// ErrNotFound reports a digest with no cache entry.
	ErrNotFound = errors.New("digest not in cache")

	// ErrTooLarge reports a blob bigger than the whole cache budget.
	ErrTooLarge = errors.New("blob exceeds cache budget")
)

// journalName is the metadata journal written on clean Close.
const journalName = "index.cbor"

// Config configures a Cache.
type Config struct {
	// Dir is the cache directory, created if missing.
	Dir string

	// Budget is the maximum total blob bytes. Required.
	Budget int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type entry struct {
	size     int64
	lastUsed time.Time
	refcount int
}

// Cache is a bounded content-addressed store. Safe for concurrent
// use.
type Cache struct {
	dir    string
	budget int64
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	total   int64
}

// New opens the cache directory, recovering any entries a previous
// run left behind.
func New(config Config) (*Cache, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if config.Budget <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", config.Budget)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	cache := &Cache{
		dir:     config.Dir,
		budget:  config.Budget,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	if err := cache.recover(); err != nil {
		return nil, err
	}
	return cache, nil
}

// Contains reports whether digest has an entry. It does not touch
// the entry's last-used time.
func (c *Cache) Contains(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[digest]
	return ok
}

// Pin marks digest in use, protecting it from eviction, and returns
// its blob path. Fails with ErrNotFound if absent.
func (c *Cache) Pin(digest string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[digest]
	if !ok {
		return "", fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	existing.refcount++
	existing.lastUsed = time.Now()
	return c.blobPath(digest), nil
}

// Unpin releases one Pin reference.
func (c *Cache) Unpin(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[digest]
	if !ok || existing.refcount == 0 {
		return
	}
	existing.refcount--
}

// Insert stores content under digest, evicting unpinned entries as
// needed to stay within budget. The write is atomic (temp file plus
// rename); a crash never leaves a partial blob under a valid name.
// Inserting an already-present digest refreshes its last-used time.
func (c *Cache) Insert(digest string, content []byte) (string, error) {
	size := int64(len(content))
	if size > c.budget {
		return "", fmt.Errorf("%s (%d bytes): %w", digest, size, ErrTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[digest]; ok {
		existing.lastUsed = time.Now()
		return c.blobPath(digest), nil
	}

	if err := c.evictLocked(c.budget - size); err != nil {
		return "", err
	}

	finalPath := c.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("creating cache shard: %w", err)
	}

	temp, err := os.CreateTemp(c.dir, "insert-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp blob: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(content); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("closing temp blob: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("publishing blob: %w", err)
	}

	c.entries[digest] = &entry{size: size, lastUsed: time.Now()}
	c.total += size
	return finalPath, nil
}

// evictLocked deletes unpinned entries, least recently used first,
// until total ≤ target. Caller holds c.mu.
func (c *Cache) evictLocked(target int64) error {
	if c.total <= target {
		return nil
	}

	type candidate struct {
		digest   string
		lastUsed time.Time
	}
	var candidates []candidate
	for digest, e := range c.entries {
		if e.refcount == 0 {
			candidates = append(candidates, candidate{digest, e.lastUsed})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	for _, victim := range candidates {
		if c.total <= target {
			return nil
		}
		e := c.entries[victim.digest]
		if err := os.Remove(c.blobPath(victim.digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("evicting %s: %w", victim.digest, err)
		}
		delete(c.entries, victim.digest)
		c.total -= e.size
		c.logger.Debug("evicted cache entry", "digest", victim.digest, "size", e.size)
	}

	if c.total > target {
		// Everything left is pinned. Admission control bounds the
		// number of concurrent jobs, so this resolves as jobs unpin.
		return fmt.Errorf("cache over budget by %d bytes with only pinned entries", c.total-target)
	}
	return nil
}

// Size returns the current total blob bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close writes the metadata journal so the next startup can restore
// last-used ordering exactly instead of trusting mtimes.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	journal := make(map[string]time.Time, len(c.entries))
	for digest, e := range c.entries {
		journal[digest] = e.lastUsed
	}
	data, err := cbor.Marshal(journal)
	if err != nil {
		return fmt.Errorf("encoding cache journal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, journalName), data, 0o644); err != nil {
		return fmt.Errorf("writing cache journal: %w", err)
	}
	return nil
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.dir, digest[:2], digest)
}

// recover rebuilds the in-memory index from the directory. Blobs are
// re-hashed in parallel; any whose content disagrees with its name
// is deleted. Runs before the cache is shared, so no locking.
func (c *Cache) recover() error {
	journal := c.readJournal()

	shards, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scanning cache directory: %w", err)
	}

	var group errgroup.Group
	group.SetLimit(runtime.NumCPU())
	var mu sync.Mutex

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		shardDir := filepath.Join(c.dir, shard.Name())
		group.Go(func() error {
			blobs, err := os.ReadDir(shardDir)
			if err != nil {
				return fmt.Errorf("scanning cache shard %s: %w", shardDir, err)
			}
			for _, blob := range blobs {
				if blob.IsDir() {
					continue
				}
				digest := blob.Name()
				path := filepath.Join(shardDir, digest)

				actual, err := deps.DigestFile(path)
				if err != nil || actual != digest {
					c.logger.Warn("removing corrupt cache entry", "path", path)
					os.Remove(path)
					continue
				}

				info, err := blob.Info()
				if err != nil {
					continue
				}
				lastUsed := info.ModTime()
				if journaled, ok := journal[digest]; ok && journaled.After(lastUsed) {
					lastUsed = journaled
				}

				mu.Lock()
				c.entries[digest] = &entry{size: info.Size(), lastUsed: lastUsed}
				c.total += info.Size()
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Leftover temp files from a crashed insert.
	leftovers, _ := filepath.Glob(filepath.Join(c.dir, "insert-*.tmp"))
	for _, leftover := range leftovers {
		os.Remove(leftover)
	}

	if len(c.entries) > 0 {
		c.logger.Info("recovered cache", "entries", len(c.entries), "bytes", c.total)
	}

	// A recovered cache may exceed a newly shrunk budget.
	return c.evictLocked(c.budget)
}

func (c *Cache) readJournal() map[string]time.Time {
	data, err := os.ReadFile(filepath.Join(c.dir, journalName))
	if err != nil {
		return nil
	}
	var journal map[string]time.Time
	if err := cbor.Unmarshal(data, &journal); err != nil {
		c.logger.Warn("discarding unreadable cache journal", "error", err)
		return nil
	}
	return journal
}
