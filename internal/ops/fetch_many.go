package ops

import (
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// MaxFetchMany bounds the number of keys per FetchMany call.
const MaxFetchMany = 200

// FetchManyInput contains parameters for the FetchMany operation.
type FetchManyInput struct {
	Keys []string
}

// FetchManyOutput contains the result of the FetchMany operation.
type FetchManyOutput struct {
	Items  []record.Record  `json:"items"`
	Errors []FetchManyError `json:"errors"`
}

// FetchManyError reports one key that could not be fetched.
type FetchManyError struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchMany returns full records for several keys in request order.
// Missing or blank keys are reported in Errors rather than failing the call.
func FetchMany(st *store.Store, input FetchManyInput) (*FetchManyOutput, error) {
	if len(input.Keys) == 0 {
		return nil, errors.NewInvalidRequest("keys is required")
	}
	if len(input.Keys) > MaxFetchMany {
		return nil, errors.NewInvalidRequest("too many keys (max 200)")
	}

	out := &FetchManyOutput{Items: []record.Record{}, Errors: []FetchManyError{}}
	for _, raw := range input.Keys {
		f, err := Fetch(st, FetchInput{Key: raw})
		if err != nil {
			le, ok := errors.As(err)
			if !ok {
				return nil, err
			}
			if le.Code != errors.ErrNotFound && le.Code != errors.ErrInvalidRequest {
				return nil, err
			}
			out.Errors = append(out.Errors, FetchManyError{Key: raw, Code: string(le.Code), Message: le.Message})
			continue
		}
		out.Items = append(out.Items, f.Record)
	}
	return out, nil
}
