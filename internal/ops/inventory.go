package ops

import (
	"context"
	"sort"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/store"
)

// InventoryOutput summarizes the store by annotation state and model.
type InventoryOutput struct {
	Total       int          `json:"total"`
	Unprocessed int          `json:"unprocessed"`
	Processed   int          `json:"processed"` // processed but not verified
	Verified    int          `json:"verified"`
	Models      []ModelCount `json:"models"`
	State       string       `json:"state"`
	Revision    string       `json:"revision,omitempty"`
}

// ModelCount is the number of records produced by one model.
type ModelCount struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// Inventory counts records per annotation state and per model.
func Inventory(ctx context.Context, st *store.Store) (*InventoryOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("inventory")
	}

	doc, err := st.Snapshot()
	if err != nil {
		return nil, err
	}

	out := &InventoryOutput{
		Total:    len(doc.Records),
		Models:   []ModelCount{},
		State:    st.State().String(),
		Revision: doc.Metadata.Revision,
	}
	byModel := make(map[string]int)
	for _, r := range doc.Records {
		switch {
		case r.Verified:
			out.Verified++
		case r.Processed:
			out.Processed++
		default:
			out.Unprocessed++
		}
		if r.ModelName != "" {
			byModel[r.ModelName]++
		}
	}

	for m, n := range byModel {
		out.Models = append(out.Models, ModelCount{Model: m, Count: n})
	}
	// Most used first, then by name for a stable order.
	sort.Slice(out.Models, func(i, j int) bool {
		if out.Models[i].Count != out.Models[j].Count {
			return out.Models[i].Count > out.Models[j].Count
		}
		return out.Models[i].Model < out.Models[j].Model
	})
	return out, nil
}
