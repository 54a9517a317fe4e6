package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hpungsan/lotl/internal/record"
)

// Image is one row of the legacy images table.
type Image struct {
	InputPath   string
	OutputPath  string
	Name        string
	Processed   bool
	Verified    bool
	Keypoints   sql.NullString // JSON array of {name,x,y}
	BoundingBox sql.NullString // JSON array of four numbers
}

const imageColumns = `input_path, output_path, name, processed, verified, keypoints, bounding_box`

// CountImages returns the number of rows in the images table.
func CountImages(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

// StreamImages returns all images in rowid order. Caller closes rows.
func StreamImages(ctx context.Context, db *sql.DB) (*sql.Rows, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+imageColumns+" FROM images ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	return rows, nil
}

// ScanImage scans the current row of StreamImages.
func ScanImage(rows *sql.Rows) (*Image, error) {
	var img Image
	var processed, verified int64
	if err := rows.Scan(
		&img.InputPath,
		&img.OutputPath,
		&img.Name,
		&processed,
		&verified,
		&img.Keypoints,
		&img.BoundingBox,
	); err != nil {
		return nil, fmt.Errorf("failed to scan image: %w", err)
	}
	img.Processed = processed != 0
	img.Verified = verified != 0
	return &img, nil
}

// InsertImage adds a row to the images table.
func InsertImage(ctx context.Context, db *sql.DB, img *Image) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO images ("+imageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		img.InputPath,
		img.OutputPath,
		img.Name,
		boolToInt(img.Processed),
		boolToInt(img.Verified),
		img.Keypoints,
		img.BoundingBox,
	)
	if err != nil {
		return fmt.Errorf("failed to insert image: %w", err)
	}
	return nil
}

// ToRecord converts a legacy row into a record. Empty or NULL JSON columns
// become empty slices.
func (img *Image) ToRecord() (record.Record, error) {
	r := record.Record{
		Key:         img.InputPath,
		DisplayName: img.Name,
		OutputPath:  img.OutputPath,
		Processed:   img.Processed,
		Verified:    img.Verified,
		Keypoints:   []record.Keypoint{},
		BoundingBox: record.BoundingBox{},
	}

	if raw := nullJSON(img.Keypoints); raw != nil {
		var kps []struct {
			Name  string  `json:"name"`
			Label string  `json:"label"`
			X     float64 `json:"x"`
			Y     float64 `json:"y"`
		}
		if err := json.Unmarshal(raw, &kps); err != nil {
			return record.Record{}, fmt.Errorf("keypoints: %w", err)
		}
		for _, k := range kps {
			label := k.Label
			if label == "" {
				label = k.Name
			}
			r.Keypoints = append(r.Keypoints, record.Keypoint{Label: label, X: k.X, Y: k.Y})
		}
	}

	if raw := nullJSON(img.BoundingBox); raw != nil {
		if err := json.Unmarshal(raw, &r.BoundingBox); err != nil {
			return record.Record{}, fmt.Errorf("bounding box: %w", err)
		}
		if r.BoundingBox == nil {
			r.BoundingBox = record.BoundingBox{}
		}
	}
	return r, nil
}

func nullJSON(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	raw := bytes.TrimSpace([]byte(ns.String))
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
