package store

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

// errCorrupt marks a store file that exists but is not a usable document.
var errCorrupt = stderrors.New("store file is not a valid document")

// loadLocked reads the store file, or bootstraps a fresh one. Caller holds
// writeMu and mu.
func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		doc, migrated, derr := decodeDocument(data)
		if derr == nil {
			s.installLocked(doc)
			if migrated {
				s.logger.Info("store migrated to current layout", "path", s.path, "records", len(doc.Records))
				s.markDirtyLocked()
			}
			return nil
		}
		if errors.Is(derr, errors.ErrVersionMismatch) {
			return derr
		}
		s.logger.Warn("store file unusable, starting empty", "path", s.path, "error", derr)
		s.quarantine()

	case stderrors.Is(err, fs.ErrNotExist):
		s.logger.Info("creating new store", "path", s.path)

	default:
		s.logger.Warn("store file unreadable, starting empty", "path", s.path, "error", err)
		s.quarantine()
	}

	doc := record.NewDocument(s.now())
	meta, err := s.persist(doc.Clone())
	if err != nil {
		return errors.NewIO("initialize store", err)
	}
	doc.Metadata = meta
	s.installLocked(doc)
	return nil
}

// installLocked makes doc the cache and marks the store clean.
func (s *Store) installLocked(doc *record.Document) {
	s.doc = doc
	s.persisted = doc.Metadata
	s.reindexLocked()
	s.state = StateClean
}

// quarantine moves an unusable store file aside so bootstrapping over it
// does not destroy its bytes. Best-effort.
func (s *Store) quarantine() {
	aside := fmt.Sprintf("%s.corrupt-%s", s.path, newRevision(s.now()))
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Warn("could not move unusable store aside", "path", s.path, "error", err)
		return
	}
	s.logger.Warn("unusable store moved aside", "path", aside)
}

// probe detects which layout a store file uses.
type probe struct {
	SchemaVersion *int            `json:"schemaVersion"`
	Records       json.RawMessage `json:"records"`
	Version       *int            `json:"version"`
	Images        json.RawMessage `json:"images"`
}

// decodeDocument parses a store file in the current or legacy layout.
// migrated is true when the result differs from what is on disk and should
// be rewritten.
func decodeDocument(data []byte) (doc *record.Document, migrated bool, err error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	switch {
	case p.SchemaVersion != nil:
		if *p.SchemaVersion > record.SchemaVersion {
			return nil, false, errors.NewVersionMismatch(*p.SchemaVersion, record.SchemaVersion)
		}
		if *p.SchemaVersion < 1 {
			return nil, false, fmt.Errorf("%w: schemaVersion %d", errCorrupt, *p.SchemaVersion)
		}
		var d record.Document
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, false, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		records, changed := sanitize(d.Records)
		d.Records = records
		return &d, changed, nil

	case p.Images != nil:
		if p.Version != nil && *p.Version > record.SchemaVersion {
			return nil, false, errors.NewVersionMismatch(*p.Version, record.SchemaVersion)
		}
		d, err := decodeLegacy(data)
		if err != nil {
			return nil, false, err
		}
		return d, true, nil
	}

	return nil, false, fmt.Errorf("%w: no records", errCorrupt)
}

// sanitize drops records with blank or repeated keys and repairs
// verified-without-processed, keeping the first occurrence of each key.
func sanitize(in []record.Record) (out []record.Record, changed bool) {
	out = make([]record.Record, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		r = r.Clone()
		key := record.NormalizeKey(r.Key)
		if key == "" || seen[key] {
			changed = true
			continue
		}
		if key != r.Key {
			r.Key = key
			changed = true
		}
		if r.Verified && !r.Processed {
			r.Processed = true
			changed = true
		}
		if n := len(r.BoundingBox); n != 0 && n != 4 {
			r.BoundingBox = record.BoundingBox{}
			changed = true
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, changed
}

// legacyDocument is the earlier file layout, keyed by input path with
// "images" instead of "records".
type legacyDocument struct {
	Version  int           `json:"version"`
	Images   []legacyImage `json:"images"`
	Metadata struct {
		LastModified string `json:"lastModified"`
		TotalImages  int    `json:"totalImages"`
	} `json:"metadata"`
}

type legacyImage struct {
	InputPath   string          `json:"inputPath"`
	OutputPath  string          `json:"outputPath"`
	Name        string          `json:"name"`
	Processed   bool            `json:"processed"`
	Verified    bool            `json:"verified"`
	Keypoints   json.RawMessage `json:"keypoints"`
	BoundingBox []float64       `json:"boundingBox"`
}

type legacyKeypoint struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func decodeLegacy(data []byte) (*record.Document, error) {
	var ld legacyDocument
	if err := json.Unmarshal(data, &ld); err != nil {
		return nil, fmt.Errorf("%w: legacy layout: %v", errCorrupt, err)
	}

	records := make([]record.Record, 0, len(ld.Images))
	for _, img := range ld.Images {
		kps, err := decodeLegacyKeypoints(img.Keypoints)
		if err != nil {
			return nil, fmt.Errorf("%w: keypoints of %q: %v", errCorrupt, img.InputPath, err)
		}
		records = append(records, record.Record{
			Key:         img.InputPath,
			DisplayName: img.Name,
			OutputPath:  img.OutputPath,
			Processed:   img.Processed,
			Verified:    img.Verified,
			Keypoints:   kps,
			BoundingBox: record.BoundingBox(img.BoundingBox),
		})
	}
	records, _ = sanitize(records)

	doc := &record.Document{
		SchemaVersion: record.SchemaVersion,
		Records:       records,
	}
	if t, err := time.Parse(time.RFC3339, ld.Metadata.LastModified); err == nil {
		doc.Metadata.LastModified = t
	}
	doc.Metadata.RecordCount = len(records)
	return doc, nil
}

// decodeLegacyKeypoints accepts an array of {name,x,y}, the same array
// encoded as a JSON string, or nothing.
func decodeLegacyKeypoints(raw json.RawMessage) ([]record.Keypoint, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []record.Keypoint{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if inner == "" {
			return []record.Keypoint{}, nil
		}
		raw = json.RawMessage(inner)
	}

	var lks []legacyKeypoint
	if err := json.Unmarshal(raw, &lks); err != nil {
		return nil, err
	}
	kps := make([]record.Keypoint, len(lks))
	for i, k := range lks {
		kps[i] = record.Keypoint{Label: k.Name, X: k.X, Y: k.Y}
	}
	return kps, nil
}
