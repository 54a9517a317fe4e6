package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

// DefaultFileName is the store file created inside the base directory.
const DefaultFileName = "annotations.json"

// DefaultFlushDelay is the debounce quiet period between the last mutation
// and the disk write.
const DefaultFlushDelay = 500 * time.Millisecond

// State is the lifecycle state of a Store.
type State int

const (
	StateUnloaded State = iota // nothing read from disk yet
	StateClean                 // cache matches the last write
	StateDirty                 // cache has unwritten mutations
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	}
	return "unknown"
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	// FlushDelay is the debounce quiet period. Zero means DefaultFlushDelay.
	FlushDelay time.Duration

	// Logger receives load/save events. Nil discards them.
	Logger *slog.Logger

	// Now supplies timestamps for metadata. Nil means time.Now.
	Now func() time.Time
}

// Store is an in-memory cache of annotation records backed by a single JSON
// file. Mutations apply to the cache immediately and reach disk through a
// debounced, atomic write. Callers must Close (or Flush) before exiting.
type Store struct {
	path       string
	flushDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time

	// writeMu serializes disk writes and the first load.
	// Lock order: writeMu before mu.
	writeMu sync.Mutex

	mu        sync.Mutex
	doc       *record.Document // nil until loaded
	index     map[string]int   // key -> position in doc.Records
	state     State
	closed    bool
	version   uint64 // bumped by every mutation
	timer     *time.Timer
	timerGen  uint64
	flushErr  error
	persisted record.Metadata

	writes atomic.Int64

	// beforeRename runs between the temp-file write and the rename. Tests only.
	beforeRename func(tmpPath string) error
}

// Open returns a Store for the file at path. No I/O happens until
// Initialize or the first operation.
func Open(path string, opts Options) *Store {
	s := &Store{
		path:       path,
		flushDelay: opts.FlushDelay,
		logger:     opts.Logger,
		now:        opts.Now,
		state:      StateUnloaded,
	}
	if s.flushDelay <= 0 {
		s.flushDelay = DefaultFlushDelay
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Init creates baseDir if needed and initializes the store file inside it.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.lotl.
func Init(baseDir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.NewIO("create base directory", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	s := Open(filepath.Join(baseDir, DefaultFileName), opts)
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last background flush error, cleared by the next
// successful write.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushErr
}

// Initialize loads the store from disk, or creates and persists an empty one
// when the file is missing or unreadable. It fails only when that first
// persist fails, or when the file was written by a newer schema.
func (s *Store) Initialize() error {
	return s.ensureLoaded()
}

// ensureLoaded loads the document on first use.
func (s *Store) ensureLoaded() error {
	s.mu.Lock()
	loaded := s.doc != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil {
		return nil
	}
	return s.loadLocked()
}

// GetAll returns a copy of every record in insertion order.
// It reflects all applied mutations, flushed or not, and never waits on a
// disk write once the store is loaded.
func (s *Store) GetAll() ([]record.Record, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.CloneAll(s.doc.Records), nil
}

// Get returns a copy of the record with the given key.
func (s *Store) Get(key string) (record.Record, bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return record.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[record.NormalizeKey(key)]
	if !ok {
		return record.Record{}, false, nil
	}
	return s.doc.Records[i].Clone(), true, nil
}

// Count returns the number of records.
func (s *Store) Count() (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Records), nil
}

// Snapshot returns a copy of the whole document. Metadata is that of the
// last successful write.
func (s *Store) Snapshot() (*record.Document, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc.Clone()
	doc.Metadata = s.persisted
	return doc, nil
}

// Add appends a new record. It fails with DUPLICATE_KEY when the key is
// already present and never overwrites.
func (s *Store) Add(r record.Record) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	r = r.Clone()
	r.Key = record.NormalizeKey(r.Key)
	if err := record.Validate(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	if _, ok := s.index[r.Key]; ok {
		return errors.NewDuplicateKey(r.Key)
	}

	s.doc.Records = append(s.doc.Records, r)
	s.index[r.Key] = len(s.doc.Records) - 1
	s.markDirtyLocked()
	return nil
}

// Update merges patch into the record with the given key and returns the
// number of records changed. A missing key returns 0 without error.
// A patch that would leave the record invalid changes nothing.
func (s *Store) Update(key string, patch record.Patch) (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	key = record.NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed()
	}
	i, ok := s.index[key]
	if !ok {
		return 0, nil
	}

	merged := patch.Apply(s.doc.Records[i])
	if err := record.Validate(merged); err != nil {
		return 0, err
	}

	s.doc.Records[i] = merged
	s.markDirtyLocked()
	return 1, nil
}

// Delete removes the record with the given key and reports whether one was
// removed.
func (s *Store) Delete(key string) (bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	key = record.NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed()
	}
	i, ok := s.index[key]
	if !ok {
		return false, nil
	}

	s.doc.Records = slices.Delete(s.doc.Records, i, i+1)
	s.reindexLocked()
	s.markDirtyLocked()
	return true, nil
}

// DeleteWhere removes every record matching all present filters and returns
// the count removed. Empty criteria delete nothing.
func (s *Store) DeleteWhere(c record.Criteria) (int, error) {
	if c.IsEmpty() {
		return 0, nil
	}
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed()
	}

	kept := make([]record.Record, 0, len(s.doc.Records))
	for _, r := range s.doc.Records {
		if !c.Match(r) {
			kept = append(kept, r)
		}
	}
	removed := len(s.doc.Records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	s.doc.Records = kept
	s.reindexLocked()
	s.markDirtyLocked()
	return removed, nil
}

// Close rejects further mutations and flushes pending changes. Reads keep
// working. Closing again retries the flush only if changes are still unsaved.
func (s *Store) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	dirty := s.state == StateDirty
	s.mu.Unlock()
	if wasClosed && !dirty {
		return nil
	}
	return s.Flush()
}

// reindexLocked rebuilds the key index after records were removed.
func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.doc.Records))
	for i, r := range s.doc.Records {
		s.index[r.Key] = i
	}
}

// markDirtyLocked records a mutation and re-arms the flush timer.
func (s *Store) markDirtyLocked() {
	s.version++
	s.state = StateDirty
	s.scheduleLocked()
}

func errClosed() error {
	return errors.NewInvalidRequest("store is closed")
}
