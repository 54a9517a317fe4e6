package record

import (
	"fmt"
	"strings"
)

// Criteria filters records on the two boolean flags. A record matches when
// every present filter equals the record's field.
type Criteria struct {
	Processed *bool `json:"processed,omitempty"`
	Verified  *bool `json:"verified,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (c Criteria) IsEmpty() bool {
	return c.Processed == nil && c.Verified == nil
}

// Match reports whether r satisfies every present filter.
// Empty criteria match everything; callers that delete must check IsEmpty first.
func (c Criteria) Match(r Record) bool {
	if c.Processed != nil && r.Processed != *c.Processed {
		return false
	}
	if c.Verified != nil && r.Verified != *c.Verified {
		return false
	}
	return true
}

// String formats the present filters as "processed=true, verified=false".
func (c Criteria) String() string {
	var parts []string
	if c.Processed != nil {
		parts = append(parts, fmt.Sprintf("processed=%t", *c.Processed))
	}
	if c.Verified != nil {
		parts = append(parts, fmt.Sprintf("verified=%t", *c.Verified))
	}
	return strings.Join(parts, ", ")
}
