package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on any collision, import nothing
	ImportModeSkip    ImportMode = "skip"    // keep the existing record
	ImportModeReplace ImportMode = "replace" // overwrite the existing record
)

// maxImportLine bounds a single JSONL line (records carry keypoint arrays).
const maxImportLine = 16 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required; .jsonl or .jsonl.zst
	Mode ImportMode // default: error
}

// ImportOutput contains the result of an import.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Replaced int           `json:"replaced"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one rejected line or row.
type ImportError struct {
	Line    int    `json:"line"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// importItem is a record staged for import with its source position.
type importItem struct {
	line int
	rec  record.Record
}

// exportLine is either the header or one record of an export file.
type exportLine struct {
	LotlExport bool `json:"_lotl_export"`
	record.Record
}

// Import loads records from a JSONL export file.
func Import(ctx context.Context, st *store.Store, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	mode, err := parseImportMode(input.Mode)
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg, ExportExtensions); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewIO("open import file", err)
	}
	defer file.Close()

	var r io.Reader = file
	if isCompressed(input.Path) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid zstd stream: %v", err))
		}
		defer dec.Close()
		r = dec
	}

	items, parseErrors, err := parseExportFile(r)
	if err != nil {
		return nil, err
	}

	// In error mode a malformed file imports nothing.
	if mode == ImportModeError && len(parseErrors) > 0 {
		return &ImportOutput{Errors: parseErrors}, nil
	}
	return applyImport(ctx, st, mode, items, parseErrors)
}

func parseImportMode(mode ImportMode) (ImportMode, error) {
	switch mode {
	case "":
		return ImportModeError, nil
	case ImportModeError, ImportModeSkip, ImportModeReplace:
		return mode, nil
	}
	return "", errors.NewInvalidRequest("mode must be one of: error, skip, replace")
}

// parseExportFile parses a JSONL export stream into records. The first
// non-blank line must be an export header this build can read; anything
// else rejects the whole file.
func parseExportFile(r io.Reader) ([]importItem, []ImportError, error) {
	var items []importItem
	var parseErrors []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	lineNum := 0
	sawHeader := false

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !sawHeader {
			if err := checkExportHeader(line); err != nil {
				return nil, nil, err
			}
			sawHeader = true
			continue
		}

		var el exportLine
		if err := json.Unmarshal(line, &el); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if el.LotlExport {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: "unexpected export header",
			})
			continue
		}

		items = append(items, importItem{line: lineNum, rec: el.Record})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}
	if !sawHeader && len(parseErrors) == 0 {
		return nil, nil, errors.NewInvalidRequest("import file is empty: missing _lotl_export header")
	}

	return items, parseErrors, nil
}

// checkExportHeader validates the first line of an export file.
func checkExportHeader(line []byte) error {
	var h record.ExportHeader
	if err := json.Unmarshal(line, &h); err != nil || !h.LotlExport {
		return errors.NewInvalidRequest("line 1 is not a _lotl_export header")
	}
	if h.SchemaVersion < 1 || h.SchemaVersion > record.SchemaVersion {
		return errors.NewInvalidRequest(fmt.Sprintf("unsupported export schema_version %d (this build reads up to %d)",
			h.SchemaVersion, record.SchemaVersion))
	}
	return nil
}

// applyImport writes staged records according to mode. Error mode validates
// everything first and rolls back its own adds if a concurrent writer races it.
func applyImport(ctx context.Context, st *store.Store, mode ImportMode, items []importItem, prior []ImportError) (*ImportOutput, error) {
	out := &ImportOutput{Errors: prior}
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}

	staged := make([]importItem, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, it := range items {
		it.rec = it.rec.Clone()
		it.rec.Key = record.NormalizeKey(it.rec.Key)
		if err := record.Validate(it.rec); err != nil {
			out.Errors = append(out.Errors, importErrorFrom(it, err))
			continue
		}
		if first, dup := seen[it.rec.Key]; dup {
			out.Errors = append(out.Errors, ImportError{
				Line:    it.line,
				Key:     it.rec.Key,
				Code:    string(errors.ErrDuplicateKey),
				Message: fmt.Sprintf("key repeats line %d", first),
			})
			continue
		}
		seen[it.rec.Key] = it.line
		staged = append(staged, it)
	}

	if mode == ImportModeError {
		if len(out.Errors) > 0 {
			return out, nil
		}
		for _, it := range staged {
			_, exists, err := st.Get(it.rec.Key)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, errors.NewDuplicateKey(it.rec.Key)
			}
		}
	}

	var added []string
	rollback := func() {
		for _, key := range added {
			_, _ = st.Delete(key)
		}
	}

	for _, it := range staged {
		if err := ctx.Err(); err != nil {
			if mode == ImportModeError {
				rollback()
			}
			return nil, errors.NewCancelled("import")
		}

		err := st.Add(it.rec)
		switch {
		case err == nil:
			added = append(added, it.rec.Key)
			out.Imported++
		case errors.Is(err, errors.ErrDuplicateKey) && mode == ImportModeSkip:
			out.Skipped++
		case errors.Is(err, errors.ErrDuplicateKey) && mode == ImportModeReplace:
			if _, err := st.Update(it.rec.Key, fullPatch(it.rec)); err != nil {
				out.Errors = append(out.Errors, importErrorFrom(it, err))
				continue
			}
			out.Replaced++
		default:
			if mode == ImportModeError {
				rollback()
				return nil, err
			}
			out.Errors = append(out.Errors, importErrorFrom(it, err))
		}
	}

	return out, nil
}

// fullPatch replaces every editable field of the existing record with r's.
func fullPatch(r record.Record) record.Patch {
	r = r.Clone()
	return record.Patch{
		DisplayName: &r.DisplayName,
		OutputPath:  &r.OutputPath,
		Processed:   &r.Processed,
		Verified:    &r.Verified,
		Keypoints:   &r.Keypoints,
		BoundingBox: &r.BoundingBox,
		ModelName:   &r.ModelName,
	}
}

func importErrorFrom(it importItem, err error) ImportError {
	ie := ImportError{Line: it.line, Key: it.rec.Key, Code: string(errors.ErrInternal), Message: err.Error()}
	if le, ok := errors.As(err); ok {
		ie.Code = string(le.Code)
		ie.Message = le.Message
	}
	return ie
}
