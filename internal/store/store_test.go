package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

func boolPtr(b bool) *bool { return &b }

func testOptions(delay time.Duration) Options {
	return Options{
		FlushDelay: delay,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// newTestStore opens and initializes a store in a temp dir.
func newTestStore(t *testing.T, delay time.Duration) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), DefaultFileName), testOptions(delay))
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return s
}

// readDoc decodes the store file as it is on disk.
func readDoc(t *testing.T, path string) *record.Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc record.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return &doc
}

func newRecord(key string) record.Record {
	return record.Record{
		Key:         key,
		DisplayName: filepath.Base(key),
		Keypoints:   []record.Keypoint{},
		BoundingBox: record.BoundingBox{},
	}
}

func TestInitialize_CreatesEmptyStore(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	opts := testOptions(time.Hour)
	opts.Now = func() time.Time { return now }

	s := Open(path, opts)
	assert.Equal(t, StateUnloaded, s.State())

	require.NoError(t, s.Initialize())
	assert.Equal(t, StateClean, s.State())
	assert.Equal(t, int64(1), s.writes.Load())

	doc := readDoc(t, path)
	assert.Equal(t, 1, doc.SchemaVersion)
	assert.NotNil(t, doc.Records)
	assert.Empty(t, doc.Records)
	assert.Equal(t, 0, doc.Metadata.RecordCount)
	assert.True(t, doc.Metadata.LastModified.Equal(now))
	assert.NotEmpty(t, doc.Metadata.Revision)
}

func TestInit_CreatesBaseDir(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), ".lotl")

	s, err := Init(baseDir, testOptions(time.Hour))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(baseDir, DefaultFileName), s.Path())
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)
}

func TestInitialize_UnwritableLocation(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	// Parent "directory" is a regular file, so nothing can be created under it.
	s := Open(filepath.Join(blocker, DefaultFileName), testOptions(time.Hour))
	err := s.Initialize()

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIO), "got %v", err)
	assert.Equal(t, StateUnloaded, s.State())
}

func TestInitialize_LoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)

	first := Open(path, testOptions(time.Hour))
	require.NoError(t, first.Add(newRecord("/img/a.jpg")))
	require.NoError(t, first.Close())

	second := Open(path, testOptions(time.Hour))
	require.NoError(t, second.Initialize())
	defer second.Close()

	records, err := second.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/img/a.jpg", records[0].Key)
	assert.Equal(t, StateClean, second.State())
}

func TestInitialize_CorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := Open(path, testOptions(time.Hour))
	require.NoError(t, s.Initialize())
	defer s.Close()

	records, err := s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, records)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	kept, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(kept))

	assert.Equal(t, 1, readDoc(t, path).SchemaVersion)
}

func TestInitialize_NewerSchemaVersionSurfaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	original := []byte(`{"schemaVersion": 2, "records": [], "metadata": {}}`)
	require.NoError(t, os.WriteFile(path, original, 0600))

	s := Open(path, testOptions(time.Hour))
	err := s.Initialize()

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrVersionMismatch), "got %v", err)
	assert.Equal(t, StateUnloaded, s.State())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, onDisk, "file must not be reset")

	_, err = s.GetAll()
	assert.True(t, errors.Is(err, errors.ErrVersionMismatch))
}

func TestInitialize_MigratesLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	legacy := `{
  "version": 1,
  "images": [
    {"inputPath": "/img/a.jpg", "outputPath": "", "name": "a.jpg", "processed": true, "verified": false,
     "keypoints": [{"name": "snout", "x": 1, "y": 2}], "boundingBox": [0, 0, 10, 10]},
    {"inputPath": "/img/b.jpg", "outputPath": "", "name": "b.jpg", "processed": true, "verified": true,
     "keypoints": "[{\"name\":\"tail\",\"x\":3,\"y\":4}]", "boundingBox": []},
    {"inputPath": "/img/c.jpg", "outputPath": "", "name": "c.jpg", "processed": false, "verified": false,
     "keypoints": [], "boundingBox": []}
  ],
  "metadata": {"lastModified": "2025-06-01T10:00:00.000Z", "totalImages": 3}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0600))

	s := Open(path, testOptions(time.Hour))
	require.NoError(t, s.Initialize())
	defer s.Close()

	assert.Equal(t, StateDirty, s.State())

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "/img/a.jpg", records[0].Key)
	assert.Equal(t, "a.jpg", records[0].DisplayName)
	assert.Equal(t, []record.Keypoint{{Label: "snout", X: 1, Y: 2}}, records[0].Keypoints)
	assert.Equal(t, record.BoundingBox{0, 0, 10, 10}, records[0].BoundingBox)
	assert.Equal(t, []record.Keypoint{{Label: "tail", X: 3, Y: 4}}, records[1].Keypoints)
	assert.NotNil(t, records[2].Keypoints)

	require.NoError(t, s.Flush())
	doc := readDoc(t, path)
	assert.Equal(t, 1, doc.SchemaVersion)
	assert.Equal(t, 3, doc.Metadata.RecordCount)
	assert.Equal(t, "/img/b.jpg", doc.Records[1].Key)
}

func TestInitialize_RepairsDuplicatesAndInvariant(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	raw := `{"schemaVersion": 1, "records": [
  {"key": "a", "verified": true, "processed": false, "keypoints": [], "boundingBox": []},
  {"key": "a", "displayName": "dup", "keypoints": [], "boundingBox": []},
  {"key": "b", "keypoints": [], "boundingBox": [1]}
], "metadata": {"recordCount": 99}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	s := Open(path, testOptions(time.Hour))
	require.NoError(t, s.Initialize())
	defer s.Close()

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Processed)
	assert.Empty(t, records[0].DisplayName)
	assert.Empty(t, records[1].BoundingBox)
	assert.Equal(t, StateDirty, s.State())
}

func TestGetAll_LazyLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := Open(path, testOptions(time.Hour))
	defer s.Close()

	records, err := s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, StateClean, s.State())

	_, err = os.Stat(path)
	assert.NoError(t, err, "lazy load bootstraps the file")
}

func TestGetAll_ReturnsCopies(t *testing.T) {
	s := newTestStore(t, time.Hour)
	r := newRecord("/img/a.jpg")
	r.Keypoints = []record.Keypoint{{Label: "snout", X: 1, Y: 1}}
	require.NoError(t, s.Add(r))

	records, err := s.GetAll()
	require.NoError(t, err)
	records[0].DisplayName = "changed"
	records[0].Keypoints[0].X = 100

	again, err := s.GetAll()
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", again[0].DisplayName)
	assert.Equal(t, float64(1), again[0].Keypoints[0].X)
}

func TestScenario_AddUpdateDeleteCycle(t *testing.T) {
	s := newTestStore(t, time.Hour)

	require.NoError(t, s.Add(record.Record{
		Key:         "a.jpg",
		Processed:   false,
		Verified:    false,
		Keypoints:   []record.Keypoint{},
		BoundingBox: record.BoundingBox{},
	}))

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	before := records[0]

	n, err := s.Update("a.jpg", record.Patch{Processed: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err = s.GetAll()
	require.NoError(t, err)
	assert.True(t, records[0].Processed)
	after := records[0]
	after.Processed = false
	assert.Equal(t, before, after, "other fields unchanged")

	deleted, err := s.Delete("a.jpg")
	require.NoError(t, err)
	assert.True(t, deleted)

	records, err = s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAdd_DuplicateKey(t *testing.T) {
	s := newTestStore(t, time.Hour)
	original := newRecord("/img/a.jpg")
	require.NoError(t, s.Add(original))

	dup := newRecord("/img/a.jpg")
	dup.DisplayName = "other"
	err := s.Add(dup)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateKey))

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.jpg", records[0].DisplayName)
}

func TestAdd_KeyIsTrimmed(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Add(newRecord("  /img/a.jpg ")))

	err := s.Add(newRecord("/img/a.jpg"))
	assert.True(t, errors.Is(err, errors.ErrDuplicateKey))
}

func TestAdd_InvalidRecordDoesNotMutate(t *testing.T) {
	s := newTestStore(t, time.Hour)

	tests := []struct {
		name string
		rec  record.Record
		code errors.ErrorCode
	}{
		{"blank key", record.Record{Key: " "}, errors.ErrInvalidRequest},
		{"bad bounding box", record.Record{Key: "a", BoundingBox: record.BoundingBox{1, 2, 3}}, errors.ErrInvalidRequest},
		{"verified unprocessed", record.Record{Key: "a", Verified: true}, errors.ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.rec)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StateClean, s.State())
}

func TestNonFiniteCoordinates_KeepStoreWritable(t *testing.T) {
	s := newTestStore(t, time.Hour)

	bad := newRecord("nan.jpg")
	bad.Keypoints = []record.Keypoint{{Label: "snout", X: math.NaN(), Y: 2}}
	err := s.Add(bad)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	require.NoError(t, s.Add(newRecord("good.jpg")))
	inf := record.BoundingBox{0, 0, math.Inf(1), 1}
	_, err = s.Update("good.jpg", record.Patch{BoundingBox: &inf})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	require.NoError(t, s.Flush())
	doc := readDoc(t, s.Path())
	require.Len(t, doc.Records, 1)
	assert.Equal(t, "good.jpg", doc.Records[0].Key)
	assert.Empty(t, doc.Records[0].BoundingBox)
}

func TestUpdate_MissingKeyIsNotAnError(t *testing.T) {
	s := newTestStore(t, time.Hour)

	n, err := s.Update("/missing.jpg", record.Patch{Processed: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StateClean, s.State(), "no flush scheduled")
}

func TestUpdate_RejectsVerifiedWithoutProcessed(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Add(newRecord("a.jpg")))
	require.NoError(t, s.Flush())

	n, err := s.Update("a.jpg", record.Patch{Verified: boolPtr(true), ModelName: ptr("kp")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvariantViolation))
	assert.Equal(t, 0, n)

	got, ok, err := s.Get("a.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Verified)
	assert.Empty(t, got.ModelName, "no partial application")
	assert.Equal(t, StateClean, s.State())

	n, err = s.Update("a.jpg", record.Patch{Processed: boolPtr(true), Verified: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdate_ReplacesSlices(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Add(newRecord("a.jpg")))

	kps := []record.Keypoint{{Label: "snout", X: 5, Y: 6}}
	bb := record.BoundingBox{1, 2, 3, 4}
	n, err := s.Update("a.jpg", record.Patch{Keypoints: &kps, BoundingBox: &bb})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kps[0].X = 0
	got, _, err := s.Get("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, float64(5), got.Keypoints[0].X)
	assert.Equal(t, bb, got.BoundingBox)
}

func TestDelete_MissingKey(t *testing.T) {
	s := newTestStore(t, time.Hour)

	deleted, err := s.Delete("/missing.jpg")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, StateClean, s.State())
}

func TestDelete_KeepsOrderAndIndex(t *testing.T) {
	s := newTestStore(t, time.Hour)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Add(newRecord(k)))
	}

	deleted, err := s.Delete("b")
	require.NoError(t, err)
	require.True(t, deleted)

	records, err := s.GetAll()
	require.NoError(t, err)
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	assert.Equal(t, []string{"a", "c", "d"}, keys)

	n, err := s.Update("d", record.Patch{DisplayName: ptr("dee")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _, err := s.Get("d")
	require.NoError(t, err)
	assert.Equal(t, "dee", got.DisplayName)
}

func TestScenario_BulkDeleteSelectivity(t *testing.T) {
	s := newTestStore(t, time.Hour)

	first := newRecord("1.jpg")
	first.Processed = true
	second := newRecord("2.jpg")
	second.Processed, second.Verified = true, true
	third := newRecord("3.jpg")
	require.NoError(t, s.Add(first))
	require.NoError(t, s.Add(second))
	require.NoError(t, s.Add(third))

	n, err := s.DeleteWhere(record.Criteria{Processed: boolPtr(true), Verified: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2.jpg", records[0].Key)
	assert.Equal(t, "3.jpg", records[1].Key)
}

func TestDeleteWhere_SingleFilter(t *testing.T) {
	s := newTestStore(t, time.Hour)
	a := newRecord("a")
	b := newRecord("b")
	b.Processed, b.Verified = true, true
	c := newRecord("c")
	c.Processed = true
	for _, r := range []record.Record{a, b, c} {
		require.NoError(t, s.Add(r))
	}

	n, err := s.DeleteWhere(record.Criteria{Verified: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.DeleteWhere(record.Criteria{Processed: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].Key)
}

func TestDeleteWhere_EmptyCriteriaIsNoop(t *testing.T) {
	for _, size := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d records", size), func(t *testing.T) {
			s := newTestStore(t, time.Hour)
			for i := 0; i < size; i++ {
				r := newRecord(fmt.Sprintf("%d.jpg", i))
				r.Processed = i%2 == 0
				require.NoError(t, s.Add(r))
			}
			require.NoError(t, s.Flush())
			before, err := s.GetAll()
			require.NoError(t, err)

			n, err := s.DeleteWhere(record.Criteria{})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			after, err := s.GetAll()
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, StateClean, s.State())
		})
	}
}

func TestDeleteWhere_NoMatchDoesNotSchedule(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Add(newRecord("a")))
	require.NoError(t, s.Flush())

	n, err := s.DeleteWhere(record.Criteria{Verified: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StateClean, s.State())
}

func TestClose_RejectsMutations(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Add(newRecord("a")))
	require.NoError(t, s.Close())

	err := s.Add(newRecord("b"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = s.Update("a", record.Patch{DisplayName: ptr("x")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = s.Delete("a")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = s.DeleteWhere(record.Criteria{Processed: boolPtr(false)})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	records, err := s.GetAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	assert.NoError(t, s.Close())
}

func TestConcurrentAdds_UniqueKeys(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Add(newRecord("same.jpg")); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Add(newRecord(fmt.Sprintf("%d.jpg", i))))
			_, _ = s.GetAll()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.NoError(t, s.Flush())

	doc := readDoc(t, s.Path())
	assert.Len(t, doc.Records, 21)
	seen := map[string]bool{}
	for _, r := range doc.Records {
		assert.False(t, seen[r.Key], "duplicate key %s", r.Key)
		seen[r.Key] = true
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unloaded", StateUnloaded.String())
	assert.Equal(t, "clean", StateClean.String())
	assert.Equal(t, "dirty", StateDirty.String())
	assert.Equal(t, "unknown", State(42).String())
}

func ptr(s string) *string { return &s }
