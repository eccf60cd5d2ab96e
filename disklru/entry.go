package disklru

import (
	"fmt"
	"io"
)

// entry is the metadata record for one key. It is owned by the Cache's entry
// table and mutated only under the cache mutex.
type entry struct {
	key     string
	lengths []int64

	// readable is true once the entry has a committed CLEAN state.
	readable bool

	// zombie marks an entry removed while handles were still active; its
	// files are deleted when the last handle closes.
	zombie bool

	// sequenceNumber increases on every commit and lets snapshots detect
	// that their view has become stale.
	sequenceNumber int64

	currentEditor        *Editor
	lockingSnapshotCount int
}

func newEntry(key string, valueCount int) *entry {
	return &entry{key: key, lengths: make([]int64, valueCount)}
}

// snapshotLocked returns a read handle for ent, or nil if it cannot be read
// right now. Entries whose backing files have gone missing are purged.
func (c *Cache) snapshotLocked(ent *entry) *Snapshot {
	if !ent.readable || ent.zombie || ent.currentEditor != nil {
		return nil
	}
	for i := 0; i < c.valueCount; i++ {
		ok, err := c.fs.Exists(c.cleanFilePath(ent.key, i))
		if err != nil || !ok {
			// The entry is no longer backed by files; purge it so the
			// size accounting stays accurate.
			_ = c.removeEntryLocked(ent)
			return nil
		}
	}
	ent.lockingSnapshotCount++
	return &Snapshot{
		cache:    c,
		entry:    ent,
		sequence: ent.sequenceNumber,
		lengths:  append([]int64(nil), ent.lengths...),
	}
}

// Snapshot is a read handle to a committed entry. It pins the entry's value
// files: they are not modified or deleted until every snapshot referencing
// them closes.
type Snapshot struct {
	cache    *Cache
	entry    *entry
	sequence int64
	lengths  []int64
	closed   bool
}

// Reader opens a fresh stream over the value at index. The content is
// consistent with the entry's state at the time the snapshot was obtained.
func (s *Snapshot) Reader(index int) (io.ReadCloser, error) {
	c := s.cache
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return nil, ErrSnapshotClosed
	}
	if index < 0 || index >= c.valueCount {
		c.mu.Unlock()
		return nil, fmt.Errorf("disklru: value index %d out of range", index)
	}
	name := c.cleanFilePath(s.entry.key, index)
	c.mu.Unlock()

	return c.fs.Open(name)
}

// Value reads the whole value at index.
func (s *Snapshot) Value(index int) ([]byte, error) {
	r, err := s.Reader(index)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Length returns the committed byte length of the value at index, as of the
// time the snapshot was obtained.
func (s *Snapshot) Length(index int) int64 {
	if index < 0 || index >= len(s.lengths) {
		return 0
	}
	return s.lengths[index]
}

// Close releases the snapshot. If the entry was removed while this snapshot
// was open and no other handles remain, its files are deleted now.
func (s *Snapshot) Close() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	s.closeLocked()
}

func (s *Snapshot) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.entry.lockingSnapshotCount--
	if s.entry.zombie && s.entry.lockingSnapshotCount == 0 {
		_ = s.cache.removeEntryLocked(s.entry)
	}
}

// CloseAndEdit closes the snapshot and opens an editor for the same entry.
// It returns nil if the entry changed since the snapshot was taken or if an
// editor cannot be obtained.
func (s *Snapshot) CloseAndEdit() (*Editor, error) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	wasClosed := s.closed
	s.closeLocked()
	if wasClosed {
		return nil, ErrSnapshotClosed
	}
	ent := c.entries[s.entry.key]
	if ent != s.entry || ent.sequenceNumber != s.sequence {
		// The entry was removed or a later commit replaced the values this
		// snapshot observed.
		return nil, nil
	}
	return c.editLocked(s.entry.key), nil
}

// Editor is the exclusive write handle for one in-progress update to an
// entry. Exactly one of Commit or Abort finishes it.
type Editor struct {
	cache     *Cache
	entry     *entry
	written   []bool
	hasErrors bool
	closed    bool
}

// Writer opens a sink for the value at index. Writing replaces the value on
// commit; slots never written keep their previous committed content. If the
// entry was evicted while this editor was open the returned sink silently
// discards everything written to it.
func (e *Editor) Writer(index int) (io.WriteCloser, error) {
	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.closed {
		return nil, ErrEditorClosed
	}
	if index < 0 || index >= c.valueCount {
		return nil, fmt.Errorf("disklru: value index %d out of range", index)
	}
	if e.entry.currentEditor != e || e.entry.zombie {
		return blackHole{}, nil
	}

	e.written[index] = true
	f, err := c.fs.Create(c.dirtyFilePath(e.entry.key, index))
	if err != nil {
		e.hasErrors = true
		return nil, err
	}
	return &editorWriter{editor: e, file: f}, nil
}

// SetValue writes the whole value at index.
func (e *Editor) SetValue(index int, value []byte) error {
	w, err := e.Writer(index)
	if err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Commit promotes the written values to the entry's committed state. A
// freshly created entry must have written every value slot; otherwise the
// commit becomes an abort and an error is returned.
func (e *Editor) Commit() error {
	return e.complete(true)
}

// Abort discards the written values. A freshly created entry is removed
// entirely; a pre-existing entry keeps its previous committed state.
func (e *Editor) Abort() error {
	return e.complete(false)
}

func (e *Editor) complete(success bool) error {
	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.closed {
		return ErrEditorClosed
	}
	e.closed = true
	if e.entry.currentEditor != e {
		// Already resolved elsewhere (for example by Close); there is
		// nothing left to mutate.
		return nil
	}
	return c.completeEditLocked(e, success && !e.hasErrors)
}

func (c *Cache) completeEditLocked(e *Editor, success bool) error {
	ent := e.entry
	var failure error

	if success && !ent.zombie && !ent.readable {
		// New entries must supply every value.
		for i, written := range e.written {
			if !written {
				success = false
				failure = fmt.Errorf("disklru: newly created entry did not write value %d", i)
				break
			}
			if ok, err := c.fs.Exists(c.dirtyFilePath(ent.key, i)); err != nil || !ok {
				success = false
				failure = fmt.Errorf("disklru: newly created entry is missing value file %d", i)
				break
			}
		}
	}

	if success && !ent.zombie {
		for i := 0; i < c.valueCount; i++ {
			dirty := c.dirtyFilePath(ent.key, i)
			if !e.written[i] {
				_ = c.fs.Delete(dirty)
				continue
			}
			ok, err := c.fs.Exists(dirty)
			if err != nil || !ok {
				continue
			}
			clean := c.cleanFilePath(ent.key, i)
			if err := c.fs.Rename(dirty, clean); err != nil {
				// A slot failed to promote; discard the rest of the
				// edit. Slots promoted before this one keep their new
				// bytes and lengths, so accounting stays exact.
				failure = fmt.Errorf("disklru: promote value %d: %w", i, err)
				success = false
				for j := i; j < c.valueCount; j++ {
					_ = c.fs.Delete(c.dirtyFilePath(ent.key, j))
				}
				break
			}
			newLength, _ := c.fs.Size(clean)
			c.size += newLength - ent.lengths[i]
			ent.lengths[i] = newLength
		}
	} else {
		for i := 0; i < c.valueCount; i++ {
			_ = c.fs.Delete(c.dirtyFilePath(ent.key, i))
		}
	}

	ent.currentEditor = nil
	if ent.zombie {
		if err := c.removeEntryLocked(ent); err != nil && failure == nil {
			failure = err
		}
		return failure
	}

	c.opsSinceRewrite++
	if success || ent.readable {
		ent.readable = true
		_ = c.writeOpLocked(true, cleanRecord(ent)...)
		if success {
			c.nextSequence++
			ent.sequenceNumber = c.nextSequence
			c.moveToEnd(ent.key)
		}
	} else {
		// The entry was never readable, so every non-zero length belongs
		// to a slot promoted by this failed edit. Give the bytes back.
		for i := 0; i < c.valueCount; i++ {
			_ = c.fs.Delete(c.cleanFilePath(ent.key, i))
			c.size -= ent.lengths[i]
			ent.lengths[i] = 0
		}
		delete(c.entries, ent.key)
		c.removeFromOrder(ent.key)
		_ = c.writeOpLocked(true, opRemove, ent.key)
	}

	if c.size > c.maxSize || c.journalRewriteRequiredLocked() {
		c.runner.schedule()
	}
	return failure
}

type editorWriter struct {
	editor *Editor
	file   WriteFile
}

func (w *editorWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		c := w.editor.cache
		c.mu.Lock()
		w.editor.hasErrors = true
		c.mu.Unlock()
	}
	return n, err
}

func (w *editorWriter) Close() error {
	return w.file.Close()
}

// blackHole swallows writes for detached editors.
type blackHole struct{}

func (blackHole) Write(p []byte) (int, error) { return len(p), nil }
func (blackHole) Close() error                { return nil }
