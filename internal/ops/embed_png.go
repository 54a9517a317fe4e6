package ops

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/pngmeta"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// maxPNGSize bounds the source image read into memory.
const maxPNGSize = 256 << 20

// EmbedPNGInput contains parameters for the EmbedPNG operation.
type EmbedPNGInput struct {
	Key    string // required
	Source string // PNG to annotate; default: the record's output path
	Dest   string // default: ~/.lotl/exports/<display name>.png
}

// EmbedPNGOutput contains the result of the EmbedPNG operation.
type EmbedPNGOutput struct {
	Path   string   `json:"path"`
	Fields []string `json:"fields"`
	Bytes  int      `json:"bytes"`
}

// EmbedPNG writes a copy of a PNG with the record's annotation fields
// embedded as text chunks.
func EmbedPNG(st *store.Store, cfg *config.Config, input EmbedPNGInput) (*EmbedPNGOutput, error) {
	key, err := requireKey(input.Key)
	if err != nil {
		return nil, err
	}
	r, ok, err := st.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(key)
	}

	source := input.Source
	if source == "" {
		source = r.OutputPath
	}
	if source == "" {
		return nil, errors.NewInvalidRequest("source is required: record has no output path")
	}
	dest := input.Dest
	if dest == "" {
		dest, err = defaultPNGPath(r)
		if err != nil {
			return nil, err
		}
	}
	if err := ValidatePath(dest, PathCheckWrite, cfg, PNGExtensions); err != nil {
		return nil, err
	}

	src, err := readPNG(source)
	if err != nil {
		return nil, err
	}

	fields, err := record.PNGMetadata(r)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	entries := make([]pngmeta.Entry, len(fields))
	names := make([]string, len(fields))
	for i, f := range fields {
		entries[i] = pngmeta.Entry{Keyword: f.Key, Text: f.Value}
		names[i] = f.Key
	}

	out, err := pngmeta.Embed(src, entries)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot embed metadata in %s: %v", source, err))
	}

	if err := writeFileReplacing(dest, out); err != nil {
		return nil, err
	}
	return &EmbedPNGOutput{Path: dest, Fields: names, Bytes: len(out)}, nil
}

// defaultPNGPath names the output after the record's display name.
func defaultPNGPath(r record.Record) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	name := r.DisplayName
	if name == "" {
		name = filepath.Base(r.Key)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(dir, SanitizeForFilename(name)+".png"), nil
}

func readPNG(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, errors.NewIO("open source image", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPNGSize+1))
	if err != nil {
		return nil, errors.NewIO("read source image", err)
	}
	if len(data) > maxPNGSize {
		return nil, errors.NewInvalidRequest("source image too large")
	}
	return data, nil
}

// writeFileReplacing writes data to a random temp sibling and renames it over path.
func writeFileReplacing(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.NewIO("create output directory", err)
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"

	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.NewIO("create output file", err)
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

	if _, err := file.Write(data); err != nil {
		return errors.NewIO("write output file", err)
	}
	if err := file.Sync(); err != nil {
		return errors.NewIO("sync output file", err)
	}
	if err := file.Close(); err != nil {
		return errors.NewIO("close output file", err)
	}
	file = nil

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("output path is a symlink")
	}
	if err := os.Rename(tempPath, path); err != nil {
		return errors.NewIO("finalize output file", err)
	}
	success = true
	return nil
}
