package disklru

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSplitJournal(t *testing.T) {
	lines, truncated := splitJournal(nil)
	require.Empty(t, lines)
	require.False(t, truncated)

	lines, truncated = splitJournal([]byte("a\nb\n"))
	require.Equal(t, []string{"a", "b"}, lines)
	require.False(t, truncated)

	lines, truncated = splitJournal([]byte("a\nb\nhalf-writ"))
	require.Equal(t, []string{"a", "b"}, lines, "trailing chunk without newline is dropped")
	require.True(t, truncated)

	lines, truncated = splitJournal([]byte("\n\n"))
	require.Equal(t, []string{"", ""}, lines)
	require.False(t, truncated)
}

// writeJournal plants a journal file with the given header lines and records.
func writeJournal(t *testing.T, fs *MemFS, header []string, records ...string) {
	t.Helper()

	w, err := fs.Create(filepath.Join(testDir, journalFile))
	require.NoError(t, err)
	for _, line := range append(append([]string(nil), header...), records...) {
		_, err := w.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func validHeader() []string {
	return []string{journalMagic, journalVersion, "100", "2", ""}
}

func TestJournalHeaderValidation(t *testing.T) {
	tests := []struct {
		name   string
		header []string
	}{
		{"wrong magic", []string{"someapp.cache", journalVersion, "100", "2", ""}},
		{"wrong version", []string{journalMagic, "2", "100", "2", ""}},
		{"wrong app version", []string{journalMagic, journalVersion, "99", "2", ""}},
		{"wrong value count", []string{journalMagic, journalVersion, "100", "3", ""}},
		{"non-blank fifth line", []string{journalMagic, journalVersion, "100", "2", "x"}},
		{"header too short", []string{journalMagic, journalVersion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := NewMemFS()
			writeJournal(t, fs, tt.header, "CLEAN k1 1 1")

			// Plant a value file that must be wiped along with the journal.
			w, err := fs.Create(filepath.Join(testDir, "k1.0"))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			c := newTestCache(t, fs, 1<<20)
			defer c.Close()

			_, _, ok := getEntry(t, c, "k1")
			require.False(t, ok)

			exists, err := fs.Exists(filepath.Join(testDir, "k1.0"))
			require.NoError(t, err)
			require.False(t, exists, "stale value files must be wiped")
		})
	}
}

func TestJournalMalformedRecordWipesCache(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{"unknown op", "TOUCH k1"},
		{"no space", "CLEAN"},
		{"clean without lengths", "CLEAN k1"},
		{"clean with too few lengths", "CLEAN k1 7"},
		{"clean with too many lengths", "CLEAN k1 1 2 3"},
		{"clean with negative length", "CLEAN k1 1 -2"},
		{"clean with non-numeric length", "CLEAN k1 1 x"},
		{"dirty with trailing args", "DIRTY k1 extra"},
		{"read with trailing args", "READ k1 extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := NewMemFS()
			writeJournal(t, fs, validHeader(), "DIRTY k2", "CLEAN k2 1 1", tt.record)

			c := newTestCache(t, fs, 1<<20)
			defer c.Close()

			// Corruption resets the cache rather than failing the open.
			_, _, ok := getEntry(t, c, "k2")
			require.False(t, ok)
			require.Equal(t, int64(0), cacheSize(t, c))
		})
	}
}

func TestJournalReplayRebuildsLruOrder(t *testing.T) {
	fs := NewMemFS()
	c := newTestCache(t, fs, 1<<20)

	setEntry(t, c, "a", "a", "a")
	setEntry(t, c, "b", "b", "b")
	setEntry(t, c, "c", "c", "c")

	// Touch "a" so it becomes the most recently used entry.
	_, _, ok := getEntry(t, c, "a")
	require.True(t, ok)
	require.NoError(t, c.Close())

	c2 := newTestCache(t, fs, 1<<20)
	defer c2.Close()
	require.Equal(t, int64(6), cacheSize(t, c2))

	require.NoError(t, c2.SetMaxSize(2))
	require.NoError(t, c2.Flush())

	_, _, ok = getEntry(t, c2, "b")
	require.False(t, ok, "LRU entry after replay")
	_, _, ok = getEntry(t, c2, "c")
	require.False(t, ok)
	_, _, ok = getEntry(t, c2, "a")
	require.True(t, ok, "READ record must restore recency across restarts")
}

func TestJournalRemoveRecordDropsEntry(t *testing.T) {
	fs := NewMemFS()
	writeJournal(t, fs, validHeader(),
		"DIRTY k1",
		"CLEAN k1 1 1",
		"REMOVE k1",
		"REMOVE never-seen",
	)

	c := newTestCache(t, fs, 1<<20)
	defer c.Close()

	_, _, ok := getEntry(t, c, "k1")
	require.False(t, ok)
	require.Equal(t, int64(0), cacheSize(t, c))
}

func TestJournalRebuildCompactsRecords(t *testing.T) {
	fs := NewMemFS()
	c := newTestCache(t, fs, 1<<20)
	defer c.Close()

	setEntry(t, c, "k1", "a", "bb")

	// Pile up redundant READ records past the rewrite threshold.
	for i := 0; i < journalRewriteThreshold; i++ {
		snapshot, err := c.Get("k1")
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		snapshot.Close()
	}
	require.NoError(t, c.Flush())

	want := []string{"CLEAN k1 1 2"}
	if diff := cmp.Diff(want, journalRecords(t, fs)); diff != "" {
		t.Fatalf("rebuilt journal mismatch (-want +got):\n%s", diff)
	}

	_, _, ok := getEntry(t, c, "k1")
	require.True(t, ok, "entries survive a rebuild")
}

func TestJournalRebuildPreservesActiveEdit(t *testing.T) {
	fs := NewMemFS()
	c := newTestCache(t, fs, 1<<20)
	defer c.Close()

	setEntry(t, c, "k1", "a", "b")

	editor, err := c.Edit("k2")
	require.NoError(t, err)
	require.NotNil(t, editor)

	c.mu.Lock()
	err = c.rebuildJournalLocked()
	c.mu.Unlock()
	require.NoError(t, err)

	want := []string{"CLEAN k1 1 1", "DIRTY k2"}
	if diff := cmp.Diff(want, journalRecords(t, fs)); diff != "" {
		t.Fatalf("rebuilt journal mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, editor.SetValue(0, []byte("x")))
	require.NoError(t, editor.SetValue(1, []byte("y")))
	require.NoError(t, editor.Commit())

	v0, _, ok := getEntry(t, c, "k2")
	require.True(t, ok)
	require.Equal(t, "x", v0)
}

func TestJournalTmpFileIgnoredOnOpen(t *testing.T) {
	fs := NewMemFS()

	c := newTestCache(t, fs, 1<<20)
	setEntry(t, c, "k1", "a", "b")
	require.NoError(t, c.Close())

	// A crash mid-rebuild can leave a half-written temp journal behind.
	w, err := fs.Create(filepath.Join(testDir, journalFileTmp))
	require.NoError(t, err)
	_, err = w.Write([]byte("half-written garbage"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c2 := newTestCache(t, fs, 1<<20)
	defer c2.Close()

	_, _, ok := getEntry(t, c2, "k1")
	require.True(t, ok)

	exists, err := fs.Exists(filepath.Join(testDir, journalFileTmp))
	require.NoError(t, err)
	require.False(t, exists, "stale temp journal must be deleted")
}

func TestDirtyRecordsCountTowardRewrite(t *testing.T) {
	fs := NewMemFS()
	c := newTestCache(t, fs, 1<<20)
	defer c.Close()

	setEntry(t, c, "k1", "a", "b")

	c.mu.Lock()
	before := c.opsSinceRewrite
	c.mu.Unlock()

	editor, err := c.Edit("k2")
	require.NoError(t, err)
	require.NotNil(t, editor)

	c.mu.Lock()
	require.Equal(t, before+1, c.opsSinceRewrite, "a DIRTY append is a journal record")
	c.mu.Unlock()
	require.NoError(t, editor.Abort())

	// An edit-heavy workload alone must trip the rebuild heuristic.
	for i := 0; i < journalRewriteThreshold/2; i++ {
		editor, err := c.Edit("k2")
		require.NoError(t, err)
		require.NotNil(t, editor)
		require.NoError(t, editor.Abort())
	}
	require.NoError(t, c.Flush())

	want := []string{"CLEAN k1 1 1"}
	if diff := cmp.Diff(want, journalRecords(t, fs)); diff != "" {
		t.Fatalf("rebuilt journal mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalRewriteThresholdRequiresRedundancy(t *testing.T) {
	c := &Cache{entries: make(map[string]*entry)}

	c.opsSinceRewrite = journalRewriteThreshold - 1
	require.False(t, c.journalRewriteRequiredLocked())

	c.opsSinceRewrite = journalRewriteThreshold
	require.True(t, c.journalRewriteRequiredLocked())

	// With more entries than redundant records a rewrite buys nothing.
	for i := 0; i < journalRewriteThreshold+1; i++ {
		key := fmt.Sprintf("k%d", i)
		c.entries[key] = newEntry(key, 1)
	}
	require.False(t, c.journalRewriteRequiredLocked())
}

func TestCleanRecordFormat(t *testing.T) {
	ent := newEntry("k1", 3)
	ent.lengths = []int64{0, 12, 345}
	require.Equal(t, "CLEAN k1 0 12 345", strings.Join(cleanRecord(ent), " "))
}
