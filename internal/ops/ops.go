package ops

import (
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

// Pagination limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// requireKey trims key and rejects it when blank.
func requireKey(key string) (string, error) {
	key = record.NormalizeKey(key)
	if key == "" {
		return "", errors.NewInvalidRequest("key is required")
	}
	return key, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
