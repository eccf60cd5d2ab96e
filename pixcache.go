// Package pixcache is a two-tier cache for encoded image bytes. A small
// in-memory tier fronts a journaled, crash-safe LRU disk cache
// (package disklru) so previously fetched images survive process restarts.
//
// Callers key the cache by an arbitrary request fingerprint string; keys are
// hashed before they reach the disk tier. Each cached image carries two
// values: a metadata blob and the encoded body.
package pixcache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/pixcache/pixcache/disklru"
)

// Value slot layout inside the disk cache.
const (
	slotMetadata = 0
	slotBody     = 1

	diskValueCount = 2
)

// ErrUnavailable is returned by Set when the disk tier cannot accept the
// write right now, for example while another writer holds the key or while
// edits are suspended after a maintenance failure.
var ErrUnavailable = errors.New("pixcache: cache temporarily unavailable")

type cachedImage struct {
	Metadata []byte
	Body     []byte
}

// Cache is a memory-fronted disk cache of image bytes.
type Cache struct {
	mem     *ristretto.Cache[string, cachedImage]
	disk    *disklru.Cache
	metrics *Metrics
}

// New creates a cache with the given options.
func New(opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New("pixcache: cache directory is required")
	}

	disk, err := disklru.New(disklru.Options{
		Dir:               opts.Dir,
		FileSystem:        opts.FileSystem,
		AppVersion:        opts.AppVersion,
		ValueCount:        diskValueCount,
		MaxSize:           opts.DiskSize,
		ManualMaintenance: opts.manualMaintenance,
	})
	if err != nil {
		return nil, err
	}

	mem, err := ristretto.NewCache(&ristretto.Config[string, cachedImage]{
		NumCounters: memoryCounters(opts.MemorySize),
		MaxCost:     opts.MemorySize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		mem:     mem,
		disk:    disk,
		metrics: opts.Metrics,
	}, nil
}

// Get returns the metadata and body cached for key. The memory tier is
// consulted first; disk hits are promoted back into memory.
func (c *Cache) Get(key string) (metadata, body []byte, ok bool) {
	fp := Fingerprint(key)

	if img, ok := c.mem.Get(fp); ok {
		c.metrics.ObserveMemoryHit()
		return img.Metadata, img.Body, true
	}
	c.metrics.ObserveMemoryMiss()

	snapshot, err := c.disk.Get(fp)
	if err != nil {
		slog.Error("pixcache: disk read failed", "key", key, "error", err)
		return nil, nil, false
	}
	if snapshot == nil {
		c.metrics.ObserveDiskMiss()
		return nil, nil, false
	}
	defer snapshot.Close()

	metadata, err = snapshot.Value(slotMetadata)
	if err == nil {
		body, err = snapshot.Value(slotBody)
	}
	if err != nil {
		slog.Error("pixcache: disk read failed", "key", key, "error", err)
		return nil, nil, false
	}

	c.metrics.ObserveDiskHit()
	c.mem.Set(fp, cachedImage{Metadata: metadata, Body: body}, memoryCost(metadata, body))
	return metadata, body, true
}

// Set stores metadata and body for key in both tiers. It returns
// ErrUnavailable when the disk tier refuses the write.
func (c *Cache) Set(key string, metadata, body []byte) error {
	fp := Fingerprint(key)

	editor, err := c.disk.Edit(fp)
	if err != nil {
		c.metrics.ObserveWrite(err)
		return err
	}
	if editor == nil {
		c.metrics.ObserveWrite(ErrUnavailable)
		return ErrUnavailable
	}

	if err := writeSlots(editor, metadata, body); err != nil {
		_ = editor.Abort()
		c.metrics.ObserveWrite(err)
		return fmt.Errorf("pixcache: write cache entry: %w", err)
	}
	if err := editor.Commit(); err != nil {
		c.metrics.ObserveWrite(err)
		return fmt.Errorf("pixcache: commit cache entry: %w", err)
	}

	c.metrics.ObserveWrite(nil)
	c.mem.Set(fp, cachedImage{Metadata: metadata, Body: body}, memoryCost(metadata, body))
	return nil
}

func writeSlots(editor *disklru.Editor, metadata, body []byte) error {
	if err := editor.SetValue(slotMetadata, metadata); err != nil {
		return err
	}
	return editor.SetValue(slotBody, body)
}

// Remove drops key from both tiers and reports whether the disk tier held
// an entry.
func (c *Cache) Remove(key string) (bool, error) {
	fp := Fingerprint(key)
	c.mem.Del(fp)

	removed, err := c.disk.Remove(fp)
	if err != nil {
		return false, err
	}
	if removed {
		c.metrics.ObserveEviction()
	}
	return removed, nil
}

// Clear removes every entry from both tiers.
func (c *Cache) Clear() error {
	c.mem.Clear()
	return c.disk.EvictAll()
}

// Flush forces pending disk maintenance to run and makes the journal
// durable.
func (c *Cache) Flush() error {
	return c.disk.Flush()
}

// DiskSize returns the bytes of committed values in the disk tier.
func (c *Cache) DiskSize() (int64, error) {
	return c.disk.Size()
}

// Close releases both tiers. Uncommitted writes are discarded.
func (c *Cache) Close() error {
	c.mem.Close()
	return c.disk.Close()
}

func memoryCost(metadata, body []byte) int64 {
	return int64(len(metadata) + len(body))
}

func memoryCounters(maxCost int64) int64 {
	// 10x the expected entry count, assuming images of a few KB,
	// mirroring ristretto's guidance.
	counters := maxCost / (4 << 10) * 10
	if counters < 1024 {
		counters = 1024
	}
	return counters
}
