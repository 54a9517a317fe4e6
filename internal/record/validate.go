package record

import (
	"fmt"
	"math"
	"strings"

	"github.com/hpungsan/lotl/internal/errors"
)

// NormalizeKey trims surrounding whitespace from a record key.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// Validate checks a complete record before it enters the store.
func Validate(r Record) error {
	if NormalizeKey(r.Key) == "" {
		return errors.NewInvalidRequest("key is required")
	}
	if n := len(r.BoundingBox); n != 0 && n != 4 {
		return errors.NewInvalidRequest(fmt.Sprintf("boundingBox must have 0 or 4 values, got %d", n))
	}
	for i, v := range r.BoundingBox {
		if !finite(v) {
			return errors.NewInvalidRequest(fmt.Sprintf("boundingBox[%d] is not a finite number", i))
		}
	}
	for i, kp := range r.Keypoints {
		if !finite(kp.X) || !finite(kp.Y) {
			return errors.NewInvalidRequest(fmt.Sprintf("keypoints[%d] (%s) has a non-finite coordinate", i, kp.Label))
		}
	}
	if r.Verified && !r.Processed {
		return errors.NewInvariantViolation(r.Key)
	}
	return nil
}

// finite reports whether v can be encoded as a JSON number.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
