package ops

import (
	"context"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// ListInput contains parameters for the List operation.
type ListInput struct {
	Processed *bool // optional filter
	Verified  *bool // optional filter
	Limit     int   // default: 50, max: 500
	Offset    int   // default: 0
}

// ListOutput contains the result of the List operation.
type ListOutput struct {
	Items      []record.Summary `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

// List returns record summaries in insertion order with pagination.
func List(ctx context.Context, st *store.Store, input ListInput) (*ListOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("list")
	}

	// Apply limit defaults and bounds
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	// Ensure offset is non-negative
	offset := max(input.Offset, 0)

	all, err := st.GetAll()
	if err != nil {
		return nil, err
	}

	criteria := record.Criteria{Processed: input.Processed, Verified: input.Verified}
	matched := make([]record.Record, 0, len(all))
	for _, r := range all {
		if criteria.Match(r) {
			matched = append(matched, r)
		}
	}

	total := len(matched)
	start := min(offset, total)
	end := min(start+limit, total)

	items := make([]record.Summary, 0, end-start)
	for _, r := range matched[start:end] {
		items = append(items, r.ToSummary())
	}

	return &ListOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: end < total,
			Total:   total,
		},
	}, nil
}
