package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// ApplyResultsInput contains parameters for the ApplyResults operation.
type ApplyResultsInput struct {
	Results   []inference.Result
	ModelName string // recorded on every updated record when set
}

// ApplyResultsOutput contains the result of the ApplyResults operation.
type ApplyResultsOutput struct {
	Updated   int      `json:"updated"`
	Unmatched []string `json:"unmatched"`
}

// ApplyResults writes model output onto the records whose display name
// matches each result's image name. Every matching record is updated and
// marked processed; verification is left untouched. Every result is checked
// before the first write, so an invalid result changes nothing.
func ApplyResults(ctx context.Context, st *store.Store, input ApplyResultsInput) (*ApplyResultsOutput, error) {
	all, err := st.GetAll()
	if err != nil {
		return nil, err
	}

	byName := make(map[string][]record.Record, len(all))
	for _, r := range all {
		byName[r.DisplayName] = append(byName[r.DisplayName], r)
	}

	type pendingUpdate struct {
		key   string
		patch record.Patch
	}

	out := &ApplyResultsOutput{Unmatched: []string{}}
	var pending []pendingUpdate
	for _, res := range input.Results {
		matches := byName[res.ImageName]
		if len(matches) == 0 {
			out.Unmatched = append(out.Unmatched, res.ImageName)
			continue
		}

		patch := resultPatch(res, input.ModelName)
		for _, r := range matches {
			if err := record.Validate(patch.Apply(r)); err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("result for %q: %s", res.ImageName, errorMessage(err)))
			}
			pending = append(pending, pendingUpdate{key: r.Key, patch: patch})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("apply results")
	}

	for _, u := range pending {
		n, err := st.Update(u.key, u.patch)
		if err != nil {
			return nil, err
		}
		out.Updated += n
	}
	return out, nil
}

// resultPatch marks a record processed and replaces its annotation with the
// model output.
func resultPatch(res inference.Result, modelName string) record.Patch {
	processed := true
	kps := res.Keypoints
	if kps == nil {
		kps = []record.Keypoint{}
	}
	bb := res.BoundingBox
	if bb == nil {
		bb = record.BoundingBox{}
	}
	patch := record.Patch{
		Processed:   &processed,
		Keypoints:   &kps,
		BoundingBox: &bb,
	}
	if modelName != "" {
		patch.ModelName = &modelName
	}
	return patch
}

// errorMessage returns the message of a LotlError, or err's text.
func errorMessage(err error) string {
	if le, ok := errors.As(err); ok {
		return le.Message
	}
	return err.Error()
}
