package disklru

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// On-disk layout inside the cache directory:
//
//	journal           live journal (header + newline-terminated records)
//	journal.tmp       rebuild in progress
//	journal.bkp       previous journal, kept until a rebuild lands
//	<key>.<i>         committed value file for slot i
//	<key>.<i>.tmp     in-progress value written by an active editor
const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	journalMagic   = "pixcache.disklru"
	journalVersion = "1"
)

// Journal record operations. Replaying the records in order reconstructs
// the entry table exactly.
const (
	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"
)

// journalRewriteThreshold is the number of redundant records tolerated
// before the journal is compacted.
const journalRewriteThreshold = 2000

var errJournalClosed = errors.New("disklru: journal is closed")

// readJournalLocked replays the journal into the entry table. It reports
// whether the journal should be rewritten because a truncated trailing
// record was dropped. Structural corruption is returned as an error and
// handled by the caller with a full reset.
func (c *Cache) readJournalLocked() (rewrite bool, err error) {
	f, err := c.fs.Open(c.journalPath)
	if err != nil {
		return false, err
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return false, err
	}

	lines, truncated := splitJournal(data)
	if len(lines) < 5 {
		return false, errors.New("disklru: journal header is incomplete")
	}

	magic, version, appVersion, valueCount, blank := lines[0], lines[1], lines[2], lines[3], lines[4]
	if magic != journalMagic ||
		version != journalVersion ||
		appVersion != strconv.Itoa(c.appVersion) ||
		valueCount != strconv.Itoa(c.valueCount) ||
		blank != "" {
		return false, fmt.Errorf("disklru: unexpected journal header [%s, %s, %s, %s]",
			magic, version, appVersion, valueCount)
	}

	records := 0
	for _, line := range lines[5:] {
		if err := c.readJournalLineLocked(line); err != nil {
			return false, err
		}
		records++
	}
	c.opsSinceRewrite = records - len(c.entries)

	return truncated, nil
}

// splitJournal splits data into newline-terminated lines. A trailing chunk
// with no newline is a truncated write and is dropped, not returned.
func splitJournal(data []byte) (lines []string, truncated bool) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return lines, true
		}
		lines = append(lines, string(data[:i]))
		data = data[i+1:]
	}
	return lines, false
}

func (c *Cache) readJournalLineLocked(line string) error {
	firstSpace := strings.IndexByte(line, ' ')
	if firstSpace < 0 {
		return fmt.Errorf("disklru: unexpected journal line %q", line)
	}
	op := line[:firstSpace]
	rest := line[firstSpace+1:]

	key := rest
	var args string
	if secondSpace := strings.IndexByte(rest, ' '); secondSpace >= 0 {
		key = rest[:secondSpace]
		args = rest[secondSpace+1:]
	}

	if op == opRemove && args == "" {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil
	}

	ent := c.entries[key]
	if ent == nil {
		ent = newEntry(key, c.valueCount)
		c.entries[key] = ent
		c.order = append(c.order, key)
	}

	switch {
	case op == opClean && args != "":
		fields := strings.Fields(args)
		if len(fields) != c.valueCount {
			return fmt.Errorf("disklru: unexpected value count in journal line %q", line)
		}
		for i, field := range fields {
			n, err := strconv.ParseInt(field, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("disklru: unexpected value length in journal line %q", line)
			}
			ent.lengths[i] = n
		}
		ent.readable = true
		ent.currentEditor = nil
		c.moveToEnd(key)
	case op == opDirty && args == "":
		ent.currentEditor = &Editor{cache: c, entry: ent, written: make([]bool, c.valueCount)}
	case op == opRead && args == "":
		c.moveToEnd(key)
	default:
		return fmt.Errorf("disklru: unexpected journal line %q", line)
	}
	return nil
}

// processJournalLocked computes the initial cache size and prunes entries
// left permanently incomplete by a crash mid-edit.
func (c *Cache) processJournalLocked() error {
	if err := c.fs.Delete(c.journalTmpPath); err != nil {
		return err
	}

	for _, key := range append([]string(nil), c.order...) {
		ent := c.entries[key]
		if ent == nil {
			continue
		}
		if ent.currentEditor == nil {
			for i := 0; i < c.valueCount; i++ {
				c.size += ent.lengths[i]
			}
			continue
		}

		// A DIRTY record with no following CLEAN: the edit never
		// committed, so neither its temp files nor the entry survive.
		ent.currentEditor = nil
		for i := 0; i < c.valueCount; i++ {
			if err := c.fs.Delete(c.cleanFilePath(key, i)); err != nil {
				return err
			}
			if err := c.fs.Delete(c.dirtyFilePath(key, i)); err != nil {
				return err
			}
		}
		delete(c.entries, key)
		c.removeFromOrder(key)
	}
	return nil
}

// rebuildJournalLocked rewrites the journal from the in-memory entry table
// using the temp -> backup -> live rename protocol, then reopens it for
// appending. If the old journal cannot be moved aside the rebuild is
// abandoned and the old journal stays canonical.
func (c *Cache) rebuildJournalLocked() error {
	if c.journal != nil {
		_ = c.journalBuf.Flush()
		_ = c.journal.Close()
		c.journal = nil
		c.journalBuf = nil
	}

	f, err := c.fs.Create(c.journalTmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	writeHeader(w, c.appVersion, c.valueCount)
	for _, key := range c.order {
		ent := c.entries[key]
		if ent == nil {
			continue
		}
		if ent.currentEditor != nil {
			_, _ = w.WriteString(opDirty + " " + key + "\n")
		} else {
			_, _ = w.WriteString(strings.Join(cleanRecord(ent), " ") + "\n")
		}
	}
	err = w.Flush()
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Delete(c.journalTmpPath)
		return err
	}

	if ok, exErr := c.fs.Exists(c.journalPath); exErr != nil {
		return exErr
	} else if ok {
		if err := c.fs.Rename(c.journalPath, c.journalBkpPath); err != nil {
			// Fail closed: the half-written temp journal is never
			// trusted while the old one cannot be moved aside.
			return err
		}
	}
	if err := c.fs.Rename(c.journalTmpPath, c.journalPath); err != nil {
		return err
	}
	if err := c.fs.Delete(c.journalBkpPath); err != nil {
		return err
	}

	if err := c.openJournalWriterLocked(); err != nil {
		return err
	}
	c.opsSinceRewrite = 0
	c.journalBroken = false
	return nil
}

func writeHeader(w *bufio.Writer, appVersion, valueCount int) {
	_, _ = w.WriteString(journalMagic + "\n")
	_, _ = w.WriteString(journalVersion + "\n")
	_, _ = w.WriteString(strconv.Itoa(appVersion) + "\n")
	_, _ = w.WriteString(strconv.Itoa(valueCount) + "\n")
	_, _ = w.WriteString("\n")
}

func (c *Cache) openJournalWriterLocked() error {
	f, err := c.fs.Append(c.journalPath)
	if err != nil {
		return err
	}
	c.journal = f
	c.journalBuf = bufio.NewWriter(f)
	return nil
}

// writeOpLocked appends one record to the journal. A write failure marks
// the journal broken, which suspends edits until a rebuild succeeds.
func (c *Cache) writeOpLocked(flush bool, parts ...string) error {
	if c.journalBuf == nil {
		return errJournalClosed
	}
	if _, err := c.journalBuf.WriteString(strings.Join(parts, " ") + "\n"); err != nil {
		c.journalBroken = true
		return err
	}
	if flush {
		if err := c.journalBuf.Flush(); err != nil {
			c.journalBroken = true
			return err
		}
	}
	return nil
}

func cleanRecord(ent *entry) []string {
	parts := make([]string, 0, len(ent.lengths)+2)
	parts = append(parts, opClean, ent.key)
	for _, n := range ent.lengths {
		parts = append(parts, strconv.FormatInt(n, 10))
	}
	return parts
}

func (c *Cache) journalRewriteRequiredLocked() bool {
	return c.opsSinceRewrite >= journalRewriteThreshold &&
		c.opsSinceRewrite >= len(c.entries)
}
