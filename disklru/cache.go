// Package disklru implements a journaled, crash-safe LRU cache of byte
// values on durable storage.
//
// Each entry maps a key to a fixed number of value files. Updates go through
// an exclusive Editor that writes temp files and atomically promotes them on
// commit; reads go through reference-counted Snapshots. Every state
// transition is appended to a journal that is replayed on open, so the cache
// survives process crashes without losing committed entries.
package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

var legalKey = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("disklru: cache is closed")

	// ErrEditorClosed is returned when an Editor is used after Commit or
	// Abort.
	ErrEditorClosed = errors.New("disklru: editor is closed")

	// ErrSnapshotClosed is returned when a Snapshot is read after Close.
	ErrSnapshotClosed = errors.New("disklru: snapshot is closed")
)

// Options configures a Cache.
type Options struct {
	// Dir is the directory holding the journal and value files. The
	// directory is owned exclusively by one Cache instance.
	Dir string

	// FileSystem is the storage backend. Defaults to OSFileSystem.
	FileSystem FileSystem

	// AppVersion invalidates the cache contents when it changes.
	AppVersion int

	// ValueCount is the number of value files per entry.
	ValueCount int

	// MaxSize is the maximum total bytes of committed values. Eviction is
	// least-recently-used.
	MaxSize int64

	// ManualMaintenance disables the background maintenance goroutine.
	// Pending trim and journal-rebuild work then runs only during Flush,
	// which makes scheduling deterministic in tests.
	ManualMaintenance bool
}

// Cache is a journaled LRU disk cache. All methods are safe for concurrent
// use; a single mutex serializes entry-table mutations and journal appends.
type Cache struct {
	fs         FileSystem
	dir        string
	appVersion int
	valueCount int

	journalPath    string
	journalTmpPath string
	journalBkpPath string

	mu sync.Mutex

	entries map[string]*entry
	order   []string // LRU order, least recently used first

	size    int64
	maxSize int64

	journal         WriteFile
	journalBuf      *bufio.Writer
	opsSinceRewrite int
	nextSequence    int64

	initialized bool
	closed      bool

	// journalBroken is set when an append to the journal fails; edits are
	// refused until a rebuild produces a trustworthy journal again.
	journalBroken bool

	// maintenanceFailed is set when a trim or rebuild pass fails and is
	// cleared only by a later pass that fully succeeds. While set, edits
	// are refused.
	maintenanceFailed bool

	runner *taskRunner
}

// New creates a cache over the given directory. No I/O happens until the
// first operation; the journal is opened or rebuilt lazily.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("disklru: cache directory is required")
	}
	if opts.ValueCount <= 0 {
		return nil, errors.New("disklru: value count must be positive")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("disklru: max size must be positive")
	}

	fs := opts.FileSystem
	if fs == nil {
		fs = OSFileSystem{}
	}

	c := &Cache{
		fs:             fs,
		dir:            opts.Dir,
		appVersion:     opts.AppVersion,
		valueCount:     opts.ValueCount,
		maxSize:        opts.MaxSize,
		journalPath:    filepath.Join(opts.Dir, journalFile),
		journalTmpPath: filepath.Join(opts.Dir, journalFileTmp),
		journalBkpPath: filepath.Join(opts.Dir, journalFileBackup),
		entries:        make(map[string]*entry),
	}
	c.runner = newTaskRunner(c.maintenance, opts.ManualMaintenance)
	return c, nil
}

// Directory returns the cache directory.
func (c *Cache) Directory() string { return c.dir }

// ValueCount returns the number of value files per entry.
func (c *Cache) ValueCount() int { return c.valueCount }

// Size returns the total bytes of committed values.
func (c *Cache) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.initLocked(); err != nil {
		return 0, err
	}
	return c.size, nil
}

// MaxSize returns the current size limit.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// SetMaxSize changes the size limit. Lowering it schedules a trim pass.
func (c *Cache) SetMaxSize(maxSize int64) error {
	if maxSize <= 0 {
		return errors.New("disklru: max size must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	if c.initialized && !c.closed {
		c.runner.schedule()
	}
	return nil
}

// Get returns a snapshot of the entry for key, or nil if no readable entry
// exists. A nil snapshot with a nil error is a cache miss. On success a READ
// record is appended to the journal and the entry becomes most recently
// used.
func (c *Cache) Get(key string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.initLocked(); err != nil {
		return nil, err
	}

	ent := c.entries[key]
	if ent == nil {
		return nil, nil
	}
	snap := c.snapshotLocked(ent)
	if snap == nil {
		return nil, nil
	}

	c.opsSinceRewrite++
	_ = c.writeOpLocked(false, opRead, key)
	c.moveToEnd(key)
	if c.journalRewriteRequiredLocked() {
		c.runner.schedule()
	}
	return snap, nil
}

// Edit returns an exclusive editor for key, or nil if another editor is
// live for the key, a snapshot currently holds the key's files open, or
// edits are suspended after a maintenance or journal failure.
func (c *Cache) Edit(key string) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.initLocked(); err != nil {
		return nil, err
	}
	return c.editLocked(key), nil
}

func (c *Cache) editLocked(key string) *Editor {
	ent := c.entries[key]
	if ent != nil && (ent.currentEditor != nil || ent.zombie) {
		return nil
	}
	if ent != nil && ent.lockingSnapshotCount > 0 {
		// The value files are being read; editing them now would break
		// the readers' view.
		return nil
	}
	if c.journalBroken || c.maintenanceFailed {
		// The journal can't record this edit reliably. Retry the
		// maintenance pass and refuse the edit.
		c.runner.schedule()
		return nil
	}
	if err := c.writeOpLocked(true, opDirty, key); err != nil {
		return nil
	}
	c.opsSinceRewrite++

	if ent == nil {
		ent = newEntry(key, c.valueCount)
		c.entries[key] = ent
		c.order = append(c.order, key)
	}
	ed := &Editor{cache: c, entry: ent, written: make([]bool, c.valueCount)}
	ent.currentEditor = ed
	return ed
}

// Remove deletes the entry for key and reports whether an entry existed.
// Files referenced by open snapshots or an active editor are deleted when
// the last handle closes.
func (c *Cache) Remove(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := c.initLocked(); err != nil {
		return false, err
	}

	ent := c.entries[key]
	if ent == nil || ent.zombie {
		return false, nil
	}
	return true, c.removeEntryLocked(ent)
}

// EvictAll removes every entry, respecting handle reference counts the same
// way Remove does.
func (c *Cache) EvictAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.initLocked(); err != nil {
		return err
	}

	keys := append([]string(nil), c.order...)
	for _, key := range keys {
		ent := c.entries[key]
		if ent == nil || ent.zombie {
			continue
		}
		if err := c.removeEntryLocked(ent); err != nil {
			return err
		}
	}
	return nil
}

// Flush runs any pending maintenance synchronously and forces the journal
// onto stable storage.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if c.closed || !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.runner.wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journalBuf == nil {
		return nil
	}
	if err := c.journalBuf.Flush(); err != nil {
		c.journalBroken = true
		return err
	}
	return c.journal.Sync()
}

// Close aborts any live editors, discarding their uncommitted data while
// keeping previously committed state, then finalizes and closes the
// journal. The cache cannot be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed || !c.initialized {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.runner.wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	for _, key := range append([]string(nil), c.order...) {
		ent := c.entries[key]
		if ent == nil || ent.currentEditor == nil {
			continue
		}
		ed := ent.currentEditor
		ed.closed = true
		_ = c.completeEditLocked(ed, false)
	}

	var err error
	if c.journalBuf != nil {
		err = c.journalBuf.Flush()
	}
	if c.journal != nil {
		if serr := c.journal.Sync(); err == nil {
			err = serr
		}
		if cerr := c.journal.Close(); err == nil {
			err = cerr
		}
		c.journal = nil
		c.journalBuf = nil
	}
	return err
}

func (c *Cache) initLocked() error {
	if c.initialized {
		return nil
	}
	if err := c.fs.MkdirAll(c.dir); err != nil {
		return fmt.Errorf("disklru: create cache directory: %w", err)
	}

	// Recover from a rebuild that crashed between renames.
	if ok, err := c.fs.Exists(c.journalBkpPath); err != nil {
		return err
	} else if ok {
		if live, err := c.fs.Exists(c.journalPath); err != nil {
			return err
		} else if live {
			if err := c.fs.Delete(c.journalBkpPath); err != nil {
				return err
			}
		} else if err := c.fs.Rename(c.journalBkpPath, c.journalPath); err != nil {
			return err
		}
	}

	if ok, err := c.fs.Exists(c.journalPath); err != nil {
		return err
	} else if ok {
		rewrite, err := c.readJournalLocked()
		if err == nil {
			err = c.processJournalLocked()
		}
		if err == nil {
			if rewrite {
				err = c.rebuildJournalLocked()
			} else {
				err = c.openJournalWriterLocked()
			}
			if err != nil {
				return err
			}
			c.initialized = true
			return nil
		}

		// Structural corruption is recovered locally: drop everything
		// and start empty rather than surfacing an error.
		slog.Warn("disklru: journal unreadable, removing cache contents",
			"dir", c.dir, "error", err)
		if err := c.deleteContentsLocked(); err != nil {
			return err
		}
	}

	if err := c.rebuildJournalLocked(); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// deleteContentsLocked wipes the cache directory and resets in-memory state.
func (c *Cache) deleteContentsLocked() error {
	if c.journal != nil {
		_ = c.journal.Close()
		c.journal = nil
		c.journalBuf = nil
	}
	if err := c.fs.DeleteAll(c.dir); err != nil {
		return fmt.Errorf("disklru: reset cache directory: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir); err != nil {
		return fmt.Errorf("disklru: recreate cache directory: %w", err)
	}
	c.entries = make(map[string]*entry)
	c.order = nil
	c.size = 0
	c.opsSinceRewrite = 0
	return nil
}

// maintenance is the single-flight background pass: trim to the size limit,
// then rebuild the journal if it has grown redundant or is broken. Any
// failure suspends edits until a later pass fully succeeds.
func (c *Cache) maintenance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.closed {
		return
	}

	failed := false
	if err := c.trimToSizeLocked(); err != nil {
		slog.Error("disklru: trim failed", "dir", c.dir, "error", err)
		failed = true
	}
	if c.journalRewriteRequiredLocked() || c.journalBroken {
		if err := c.rebuildJournalLocked(); err != nil {
			slog.Error("disklru: journal rebuild failed", "dir", c.dir, "error", err)
			failed = true
		}
	}
	c.maintenanceFailed = failed
}

func (c *Cache) trimToSizeLocked() error {
	for c.size > c.maxSize {
		evicted, err := c.removeOldestLocked()
		if err != nil {
			return err
		}
		if !evicted {
			return nil
		}
	}
	return nil
}

// removeOldestLocked evicts the least recently used entry that is not
// already pending deletion. Entries under edit are marked zombie, which
// discards the edit but defers byte release until the editor completes.
func (c *Cache) removeOldestLocked() (bool, error) {
	for _, key := range c.order {
		ent := c.entries[key]
		if ent == nil || ent.zombie {
			continue
		}
		return true, c.removeEntryLocked(ent)
	}
	return false, nil
}

func (c *Cache) removeEntryLocked(ent *entry) error {
	if ent.lockingSnapshotCount > 0 {
		// Mark the entry dirty so a crash before the deferred delete
		// cannot resurrect it.
		_ = c.writeOpLocked(true, opDirty, ent.key)
		c.opsSinceRewrite++
	}
	if ent.lockingSnapshotCount > 0 || ent.currentEditor != nil {
		ent.zombie = true
		return nil
	}

	for i := 0; i < c.valueCount; i++ {
		if err := c.fs.Delete(c.cleanFilePath(ent.key, i)); err != nil {
			return err
		}
		c.size -= ent.lengths[i]
		ent.lengths[i] = 0
	}

	c.opsSinceRewrite++
	_ = c.writeOpLocked(true, opRemove, ent.key)
	delete(c.entries, ent.key)
	c.removeFromOrder(ent.key)

	if c.journalRewriteRequiredLocked() {
		c.runner.schedule()
	}
	return nil
}

func (c *Cache) cleanFilePath(key string, index int) string {
	return filepath.Join(c.dir, key+"."+strconv.Itoa(index))
}

func (c *Cache) dirtyFilePath(key string, index int) string {
	return filepath.Join(c.dir, key+"."+strconv.Itoa(index)+".tmp")
}

func (c *Cache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func validateKey(key string) error {
	if !legalKey.MatchString(key) {
		return fmt.Errorf("disklru: key %q must match %s", key, legalKey)
	}
	return nil
}
