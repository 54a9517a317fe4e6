package ops

import (
	"github.com/hpungsan/lotl/internal/store"
)

// DeleteInput contains parameters for the Delete operation.
type DeleteInput struct {
	Key string
}

// DeleteOutput contains the result of the Delete operation.
type DeleteOutput struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// Delete removes a record. A missing key reports Deleted=false without error.
func Delete(st *store.Store, input DeleteInput) (*DeleteOutput, error) {
	key, err := requireKey(input.Key)
	if err != nil {
		return nil, err
	}

	deleted, err := st.Delete(key)
	if err != nil {
		return nil, err
	}
	return &DeleteOutput{Key: key, Deleted: deleted}, nil
}
