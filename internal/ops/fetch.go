package ops

import (
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// FetchInput contains parameters for the Fetch operation.
type FetchInput struct {
	Key string
}

// FetchOutput contains the result of the Fetch operation.
type FetchOutput struct {
	record.Record // embedded (copy)
}

// Fetch returns the full record for a key, or NOT_FOUND.
func Fetch(st *store.Store, input FetchInput) (*FetchOutput, error) {
	key, err := requireKey(input.Key)
	if err != nil {
		return nil, err
	}

	r, ok, err := st.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(key)
	}
	return &FetchOutput{Record: r}, nil
}
