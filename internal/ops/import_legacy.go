package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/db"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/store"
)

// ImportLegacyInput contains parameters for the ImportLegacy operation.
type ImportLegacyInput struct {
	Path string     // required; SQLite file with an images table
	Mode ImportMode // default: error
}

// ImportLegacy migrates records from the legacy SQLite layout into the store.
// Row numbers stand in for line numbers in reported errors.
func ImportLegacy(ctx context.Context, st *store.Store, cfg *config.Config, input ImportLegacyInput) (*ImportOutput, error) {
	mode, err := parseImportMode(input.Mode)
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg, LegacyExtensions); err != nil {
		return nil, err
	}

	database, err := db.Open(ctx, input.Path)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	defer database.Close()

	rows, err := db.StreamImages(ctx, database)
	if err != nil {
		return nil, errors.NewIO("read legacy database", err)
	}
	defer rows.Close()

	var items []importItem
	var rowErrors []ImportError
	rowNum := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("import legacy")
		}
		rowNum++

		img, err := db.ScanImage(rows)
		if err != nil {
			return nil, errors.NewIO("read legacy database", err)
		}
		rec, err := img.ToRecord()
		if err != nil {
			rowErrors = append(rowErrors, ImportError{
				Line:    rowNum,
				Key:     img.InputPath,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON column: %v", err),
			})
			continue
		}
		items = append(items, importItem{line: rowNum, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIO("read legacy database", err)
	}

	if mode == ImportModeError && len(rowErrors) > 0 {
		return &ImportOutput{Errors: rowErrors}, nil
	}
	return applyImport(ctx, st, mode, items, rowErrors)
}
