package ops

import (
	"path/filepath"

	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// AddInput contains parameters for the Add operation.
type AddInput struct {
	Key         string // required; usually the source image path
	DisplayName string // default: base name of Key
	OutputPath  string
	Processed   bool
	Verified    bool
	Keypoints   []record.Keypoint
	BoundingBox record.BoundingBox
	ModelName   string
}

// AddOutput contains the result of the Add operation.
type AddOutput struct {
	Key string `json:"key"`
}

// Add inserts a new record. Existing keys fail with DUPLICATE_KEY.
func Add(st *store.Store, input AddInput) (*AddOutput, error) {
	key, err := requireKey(input.Key)
	if err != nil {
		return nil, err
	}

	name := input.DisplayName
	if name == "" {
		name = filepath.Base(key)
	}

	r := record.Record{
		Key:         key,
		DisplayName: name,
		OutputPath:  input.OutputPath,
		Processed:   input.Processed,
		Verified:    input.Verified,
		Keypoints:   input.Keypoints,
		BoundingBox: input.BoundingBox,
		ModelName:   input.ModelName,
	}.Clone()

	if err := st.Add(r); err != nil {
		return nil, err
	}
	return &AddOutput{Key: key}, nil
}
