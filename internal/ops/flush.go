package ops

import (
	"time"

	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// FlushOutput contains the result of the Flush operation.
type FlushOutput struct {
	RecordCount  int    `json:"record_count"`
	Revision     string `json:"revision"`
	LastModified int64  `json:"last_modified"`
}

// Flush forces pending changes to disk and reports what was written.
func Flush(st *store.Store) (*FlushOutput, error) {
	if err := st.Flush(); err != nil {
		return nil, err
	}
	doc, err := st.Snapshot()
	if err != nil {
		return nil, err
	}
	return &FlushOutput{
		RecordCount:  doc.Metadata.RecordCount,
		Revision:     doc.Metadata.Revision,
		LastModified: doc.Metadata.LastModified.Unix(),
	}, nil
}

// DumpOutput contains the result of the Dump operation.
type DumpOutput struct {
	Markdown string `json:"markdown"`
	State    string `json:"state"`
}

// Dump renders a markdown report of the current store contents.
// Unflushed changes are included; metadata is that of the last write.
func Dump(st *store.Store) (*DumpOutput, error) {
	doc, err := st.Snapshot()
	if err != nil {
		return nil, err
	}
	if doc.Metadata.LastModified.IsZero() {
		doc.Metadata.LastModified = time.Now()
	}
	doc.Metadata.RecordCount = len(doc.Records)
	return &DumpOutput{
		Markdown: record.RenderMarkdown(doc),
		State:    st.State().String(),
	}, nil
}
