package ops

import (
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// UpdateInput contains parameters for the Update operation.
type UpdateInput struct {
	Key string

	// Editable fields (nil = don't change)
	DisplayName *string
	OutputPath  *string
	Processed   *bool
	Verified    *bool
	Keypoints   *[]record.Keypoint
	BoundingBox *record.BoundingBox
	ModelName   *string
}

// UpdateOutput contains the result of the Update operation.
type UpdateOutput struct {
	Key     string `json:"key"`
	Updated int    `json:"updated"`
}

// Update merges the provided fields into the record with the given key.
// A missing key is not an error: Updated is 0.
func Update(st *store.Store, input UpdateInput) (*UpdateOutput, error) {
	key, err := requireKey(input.Key)
	if err != nil {
		return nil, err
	}

	patch := record.Patch{
		DisplayName: input.DisplayName,
		OutputPath:  input.OutputPath,
		Processed:   input.Processed,
		Verified:    input.Verified,
		Keypoints:   input.Keypoints,
		BoundingBox: input.BoundingBox,
		ModelName:   input.ModelName,
	}
	if patch.IsEmpty() {
		return nil, errors.NewInvalidRequest("at least one editable field must be provided")
	}

	n, err := st.Update(key, patch)
	if err != nil {
		return nil, err
	}
	return &UpdateOutput{Key: key, Updated: n}, nil
}
