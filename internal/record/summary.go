package record

import (
	"fmt"
	"strings"
	"time"
)

// Summary is a record without its keypoint coordinates.
// Used by list operations to keep payloads small.
type Summary struct {
	Key            string `json:"key"`
	DisplayName    string `json:"displayName"`
	Processed      bool   `json:"processed"`
	Verified       bool   `json:"verified"`
	KeypointCount  int    `json:"keypointCount"`
	HasBoundingBox bool   `json:"hasBoundingBox"`
	ModelName      string `json:"modelName,omitempty"`
}

// ToSummary strips coordinates from r.
func (r Record) ToSummary() Summary {
	return Summary{
		Key:            r.Key,
		DisplayName:    r.DisplayName,
		Processed:      r.Processed,
		Verified:       r.Verified,
		KeypointCount:  len(r.Keypoints),
		HasBoundingBox: len(r.BoundingBox) == 4,
		ModelName:      r.ModelName,
	}
}

// RenderMarkdown renders a human-readable dump of the document.
func RenderMarkdown(d *Document) string {
	var b strings.Builder

	b.WriteString("# Store dump\n\n")
	fmt.Fprintf(&b, "- Version: %d\n", d.SchemaVersion)
	fmt.Fprintf(&b, "- Records: %d\n", len(d.Records))
	fmt.Fprintf(&b, "- Last modified: %s\n", d.Metadata.LastModified.UTC().Format(time.RFC3339))
	if d.Metadata.Revision != "" {
		fmt.Fprintf(&b, "- Revision: %s\n", d.Metadata.Revision)
	}
	b.WriteString("\n")

	if len(d.Records) == 0 {
		b.WriteString("_No records._\n")
		return b.String()
	}

	b.WriteString("| Name | Processed | Verified | Keypoints | Model |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, r := range d.Records {
		fmt.Fprintf(&b, "| %s | %t | %t | %d | %s |\n",
			escapeCell(r.DisplayName), r.Processed, r.Verified, len(r.Keypoints), escapeCell(r.ModelName))
	}
	return b.String()
}

// escapeCell keeps a value from breaking a markdown table row.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
