package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// BulkDeleteInput contains parameters for the BulkDelete operation.
type BulkDeleteInput struct {
	Processed *bool
	Verified  *bool
}

// BulkDeleteOutput contains the result of the BulkDelete operation.
type BulkDeleteOutput struct {
	Deleted int    `json:"deleted"`
	Message string `json:"message"`
}

// BulkDelete removes every record matching all provided filters.
// With no filters nothing is deleted.
func BulkDelete(ctx context.Context, st *store.Store, input BulkDeleteInput) (*BulkDeleteOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("bulk delete")
	}

	criteria := record.Criteria{Processed: input.Processed, Verified: input.Verified}
	count, err := st.DeleteWhere(criteria)
	if err != nil {
		return nil, err
	}

	return &BulkDeleteOutput{
		Deleted: count,
		Message: formatBulkDeleteMessage(count, criteria),
	}, nil
}

// formatBulkDeleteMessage creates a human-readable message for the bulk delete result.
func formatBulkDeleteMessage(count int, criteria record.Criteria) string {
	if criteria.IsEmpty() {
		return "No filters given; nothing deleted"
	}
	if count == 0 {
		return "No records matched " + criteria.String()
	}
	return fmt.Sprintf("Deleted %d %s matching %s", count, plural(count, "record", "records"), criteria.String())
}
