package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

// scheduleLocked (re)arms the debounce timer. A burst of mutations inside
// the quiet period collapses into a single write.
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.flushDelay, func() { s.fire(gen) })
}

// cancelTimerLocked stops any pending flush. A callback that already fired
// sees a stale generation and does nothing.
func (s *Store) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// fire runs on the timer goroutine.
func (s *Store) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if err := s.write(); err != nil {
		s.logger.Error("debounced flush failed", "path", s.path, "error", err)
	}
}

// Flush cancels any pending debounced write and persists the current state
// synchronously. It must be called (directly or via Close) before the
// process exits.
func (s *Store) Flush() error {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.mu.Unlock()
	return s.write()
}

// write snapshots the cache and persists it. writeMu is taken before the
// snapshot so a later write always carries a later state.
func (s *Store) write() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return nil
	}
	snap := s.doc.Clone()
	version := s.version
	s.mu.Unlock()

	meta, err := s.persist(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.flushErr = err
		return err
	}
	s.flushErr = nil
	s.persisted = meta
	s.doc.Metadata = meta
	if s.version == version {
		s.state = StateClean
	}
	return nil
}

// persist stamps metadata on doc and writes it atomically. Caller holds
// writeMu. doc must not be shared with the cache.
func (s *Store) persist(doc *record.Document) (record.Metadata, error) {
	now := s.now().UTC()
	meta := record.Metadata{
		LastModified: now,
		RecordCount:  len(doc.Records),
		Revision:     newRevision(now),
	}
	doc.SchemaVersion = record.SchemaVersion
	doc.Metadata = meta

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return record.Metadata{}, errors.NewInternal(fmt.Errorf("encode store: %w", err))
	}
	data = append(data, '\n')

	if err := writeFileAtomic(s.path, data, s.beforeRename); err != nil {
		return record.Metadata{}, errors.NewIO("write store", err)
	}
	s.writes.Add(1)

	s.logger.Debug("store saved",
		"path", s.path,
		"records", meta.RecordCount,
		"revision", meta.Revision,
	)
	return meta, nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path. On any failure the temp file is removed and path is untouched.
func writeFileAtomic(path string, data []byte, beforeRename func(string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	// Close before rename (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	file = nil

	if beforeRename != nil {
		if err := beforeRename(tempPath); err != nil {
			return err
		}
	}

	// os.Rename would replace a symlink rather than its target; refuse instead.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("store path is a symlink")
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true

	syncDir(dir)
	return nil
}

// newRevision mints a ULID identifying one successful save.
func newRevision(now time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
