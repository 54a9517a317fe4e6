package record

import "time"

// SchemaVersion is the document layout this build reads and writes.
const SchemaVersion = 1

// Keypoint is a labeled point in source-image pixel space.
type Keypoint struct {
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// BoundingBox holds (x1, y1, x2, y2), or nothing when not yet computed.
type BoundingBox []float64

// Record is the annotation state of one tracked image.
type Record struct {
	// Key is the source image path. Unique and immutable once created.
	Key string `json:"key"`

	// DisplayName is a human-readable label, usually the file name. Not unique.
	DisplayName string `json:"displayName"`

	// OutputPath is an advisory destination for exported images.
	OutputPath string `json:"outputPath"`

	// Processed reports whether an inference pass produced keypoints/bbox data.
	Processed bool `json:"processed"`

	// Verified reports whether a human confirmed the data. Requires Processed.
	Verified bool `json:"verified"`

	// Keypoints is always serialized, as [] when empty.
	Keypoints []Keypoint `json:"keypoints"`

	// BoundingBox is always serialized, as [] when not computed.
	BoundingBox BoundingBox `json:"boundingBox"`

	// ModelName records which inference model variant produced the data.
	ModelName string `json:"modelName"`
}

// Metadata is stamped by the writer on every save.
type Metadata struct {
	LastModified time.Time `json:"lastModified"`
	RecordCount  int       `json:"recordCount"`
	Revision     string    `json:"revision,omitempty"`
}

// Document is the persisted store file.
type Document struct {
	SchemaVersion int      `json:"schemaVersion"`
	Records       []Record `json:"records"`
	Metadata      Metadata `json:"metadata"`
}

// NewDocument returns an empty current-version document stamped with now.
func NewDocument(now time.Time) *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Records:       []Record{},
		Metadata: Metadata{
			LastModified: now.UTC(),
			RecordCount:  0,
		},
	}
}

// Clone returns a deep copy of r with nil slices replaced by empty ones.
func (r Record) Clone() Record {
	out := r
	out.Keypoints = make([]Keypoint, len(r.Keypoints))
	copy(out.Keypoints, r.Keypoints)
	out.BoundingBox = make(BoundingBox, len(r.BoundingBox))
	copy(out.BoundingBox, r.BoundingBox)
	return out
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		SchemaVersion: d.SchemaVersion,
		Records:       CloneAll(d.Records),
		Metadata:      d.Metadata,
	}
	return out
}

// CloneAll deep-copies a record slice. The result is never nil.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}
