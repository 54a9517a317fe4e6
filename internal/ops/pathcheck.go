package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
)

// PathCheckMode says whether a checked file will be read or written.
type PathCheckMode int

const (
	PathCheckRead  PathCheckMode = iota // file must already exist
	PathCheckWrite                      // file may be created
)

// Accepted extensions per file kind.
var (
	ExportExtensions = []string{".jsonl", ".jsonl.zst"}
	LegacyExtensions = []string{".db", ".sqlite", ".sqlite3"}
	PNGExtensions    = []string{".png"}
)

// ValidatePath vets a caller-supplied file path before any export, import or
// PNG write touches it. The path must not contain a ".." component and must
// end in one of exts. Unless cfg allows unsafe paths, its parent must be
// exactly ~/.lotl/exports or an allowed_paths entry, and that parent must not
// be a symlink. The file itself is never allowed to be a symlink.
//
// Files nested below an allowed directory are refused so no intermediate
// component can be swapped between this check and the open. The open itself
// uses O_NOFOLLOW for the last component.
func ValidatePath(path string, mode PathCheckMode, cfg *config.Config, exts []string) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}
	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if !hasExtension(cleaned, exts) {
		return errors.NewInvalidRequest(fmt.Sprintf("path must have one of these extensions: %s", strings.Join(exts, ", ")))
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	if cfg == nil || !cfg.AllowUnsafePaths {
		if err := checkParentDir(filepath.Dir(absPath), cfg); err != nil {
			return err
		}
	}

	if mode == PathCheckRead {
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return errors.NewFileNotFound(path)
		}
	}
	return rejectSymlink(absPath, "path")
}

// checkParentDir requires dir to be one of the allowed directories and not a
// symlink itself.
func checkParentDir(dir string, cfg *config.Config) error {
	allowed, err := allowedDirs(cfg)
	if err != nil {
		return err
	}
	if !isDirectlyInAllowedDir(dir, allowed) {
		return errors.NewInvalidRequest(
			fmt.Sprintf("file must be directly in an allowed directory (no subdirectories); allowed: %v", allowed))
	}
	return rejectSymlink(dir, "parent directory")
}

// rejectSymlink fails when p exists and is a symlink. A missing p passes.
func rejectSymlink(p, what string) error {
	info, err := os.Lstat(p)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest(what + " must not be a symlink")
	}
	return nil
}

// hasExtension matches multi-part extensions such as ".jsonl.zst". A bare
// extension with no name in front does not count.
func hasExtension(path string, exts []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if len(lower) > len(ext) && strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// allowedDirs lists the exports directory followed by every absolute
// allowed_paths entry. Entries that are symlinks are resolved so a parent
// reached through the link still compares equal.
func allowedDirs(cfg *config.Config) ([]string, error) {
	exportsDir, err := DefaultExportsDir()
	if err != nil {
		return nil, err
	}
	candidates := []string{exportsDir}
	if cfg != nil {
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				candidates = append(candidates, p)
			}
		}
	}

	dirs := make([]string, 0, len(candidates))
	for _, d := range candidates {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			if abs, err = filepath.EvalSymlinks(abs); err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
		}
		dirs = append(dirs, abs)
	}
	return dirs, nil
}

func isDirectlyInAllowedDir(dir string, allowed []string) bool {
	dir = filepath.Clean(dir)
	for _, a := range allowed {
		if dir == filepath.Clean(a) {
			return true
		}
	}
	return false
}

// DefaultExportsDir is ~/.lotl/exports.
func DefaultExportsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to get home directory: %w", err))
	}
	return filepath.Join(home, ".lotl", "exports"), nil
}

// containsTraversal reports whether any component of path is "..". Both
// slash styles are treated as separators so Windows-style input is caught
// on every platform.
func containsTraversal(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})
	for _, part := range parts {
		if part == ".." {
			return true
		}
	}
	return false
}

var separatorReplacer = strings.NewReplacer("/", "-", "\\", "-")

// SanitizeForFilename turns an arbitrary record name into a single safe file
// name component. The result is never empty.
func SanitizeForFilename(s string) string {
	s = separatorReplacer.Replace(s)
	s = strings.ReplaceAll(s, "..", "-")
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if s = strings.Trim(s, "-"); s == "" {
		return "unnamed"
	}
	return s
}
