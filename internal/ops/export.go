package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path      string // optional, default: ~/.lotl/exports/annotations-<timestamp>.jsonl[.zst]
	Processed *bool  // optional filter
	Verified  *bool  // optional filter
	Compress  bool   // zstd; implied by a .jsonl.zst path
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
	Compressed bool   `json:"compressed"`
}

// Export writes matching records to a JSONL file: a header line, then one
// record per line. The file is zstd-compressed when the path ends in .zst.
func Export(ctx context.Context, st *store.Store, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()
	exportedAt := now.Unix()

	exportPath := input.Path
	if exportPath == "" {
		var err error
		exportPath, err = defaultExportPath(now, input.Compress)
		if err != nil {
			return nil, err
		}
	}

	if err := ValidatePath(exportPath, PathCheckWrite, cfg, ExportExtensions); err != nil {
		return nil, err
	}
	compressed := isCompressed(exportPath)
	if input.Compress && !compressed {
		return nil, errors.NewInvalidRequest("compressed export requires a .jsonl.zst path")
	}

	criteria := record.Criteria{Processed: input.Processed, Verified: input.Verified}
	all, err := st.GetAll()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(exportPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewIO("create export directory", err)
	}

	// Write to temp file first, then rename, so an existing export survives a failure.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) {
			return nil, err
		}
		return nil, errors.NewIO("create export file", err)
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	buf := bufio.NewWriter(file)
	var w io.Writer = buf
	var enc *zstd.Encoder
	if compressed {
		enc, err = zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		defer func() {
			if enc != nil {
				enc.Close()
			}
		}()
		w = enc
	}
	je := json.NewEncoder(w)

	header := record.ExportHeader{
		LotlExport:    true,
		SchemaVersion: record.SchemaVersion,
		ExportedAt:    exportedAt,
		Filter:        criteria.String(),
	}
	if err := je.Encode(header); err != nil {
		return nil, errors.NewIO("write export", err)
	}

	count := 0
	for _, r := range all {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("export")
		}
		if !criteria.Match(r) {
			continue
		}
		if err := je.Encode(r); err != nil {
			return nil, errors.NewIO("write export", err)
		}
		count++
	}

	if enc != nil {
		err := enc.Close()
		enc = nil
		if err != nil {
			return nil, errors.NewIO("compress export", err)
		}
	}
	if err := buf.Flush(); err != nil {
		return nil, errors.NewIO("write export", err)
	}
	if err := file.Sync(); err != nil {
		return nil, errors.NewIO("sync export", err)
	}

	// Close before rename (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return nil, errors.NewIO("close export", err)
	}
	file = nil

	// os.Rename would replace a symlink rather than write through it; refuse.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}

	// On Windows os.Rename fails if the destination exists. Fail safely rather
	// than delete-then-rename.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewIO("finalize export", err)
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: exportedAt,
		Compressed: compressed,
	}, nil
}

func isCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}

// defaultExportPath returns ~/.lotl/exports/annotations-<timestamp>.jsonl[.zst].
func defaultExportPath(now time.Time, compress bool) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	ext := ".jsonl"
	if compress {
		ext += ".zst"
	}
	filename := fmt.Sprintf("annotations-%s%s", now.Format("2006-01-02T150405"), ext)
	return filepath.Join(dir, filename), nil
}
