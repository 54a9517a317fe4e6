package record

import (
	"encoding/json"
	"strconv"
)

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	LotlExport    bool   `json:"_lotl_export"`
	SchemaVersion int    `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
	Filter        string `json:"filter,omitempty"`
}

// MetadataField is one key/value pair embedded into an exported image.
type MetadataField struct {
	Key   string
	Value string
}

// PNGMetadata returns the fields written as PNG text chunks for r, in a
// stable order. Keypoints and bounding box are JSON-encoded.
func PNGMetadata(r Record) ([]MetadataField, error) {
	kp := r.Keypoints
	if kp == nil {
		kp = []Keypoint{}
	}
	kpJSON, err := json.Marshal(kp)
	if err != nil {
		return nil, err
	}
	bb := r.BoundingBox
	if bb == nil {
		bb = BoundingBox{}
	}
	bbJSON, err := json.Marshal(bb)
	if err != nil {
		return nil, err
	}

	fields := []MetadataField{
		{Key: "Source", Value: r.Key},
		{Key: "Title", Value: r.DisplayName},
		{Key: "Processed", Value: strconv.FormatBool(r.Processed)},
		{Key: "Verified", Value: strconv.FormatBool(r.Verified)},
		{Key: "Keypoints", Value: string(kpJSON)},
		{Key: "BoundingBox", Value: string(bbJSON)},
	}
	if r.ModelName != "" {
		fields = append(fields, MetadataField{Key: "Model", Value: r.ModelName})
	}
	return fields, nil
}
