// Package paths normalizes and validates logical paths.
//
// A logical path identifies an entity relative to the managed root:
// POSIX separators, no leading slash, no "." or ".." components. The
// empty string names the root itself.
package paths

import (
	"path"
	"path/filepath"
	"strings"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// Normalize cleans a caller-supplied logical path. It accepts both "/"
// and the platform separator, strips leading and trailing slashes, and
// rejects traversal outside the root.
func Normalize(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}

	clean := path.Clean(p)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", verrors.Newf(verrors.KindInvalidPath, "path escapes managed root: %q", p)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == "" {
			return "", verrors.Newf(verrors.KindInvalidPath, "empty path component in %q", p)
		}
	}
	return clean, nil
}

// ToAbsolute resolves a logical path against the managed root.
func ToAbsolute(root, logical string) (string, error) {
	normalized, err := Normalize(logical)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(normalized)), nil
}

// FromAbsolute converts an absolute path under root into a logical path.
func FromAbsolute(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", verrors.Wrap(verrors.KindInvalidPath, "path outside managed root", err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", verrors.Newf(verrors.KindInvalidPath, "path outside managed root: %q", abs)
	}
	return rel, nil
}

// Parent returns the logical parent of a path ("" for top-level entries).
func Parent(logical string) string {
	dir := path.Dir(logical)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// Base returns the final component of a logical path.
func Base(logical string) string {
	if logical == "" {
		return ""
	}
	return path.Base(logical)
}

// IsUnder reports whether logical equals prefix or lives beneath it.
// An empty prefix matches everything.
func IsUnder(logical, prefix string) bool {
	if prefix == "" {
		return true
	}
	return logical == prefix || strings.HasPrefix(logical, prefix+"/")
}

// Ancestors returns every proper ancestor of a logical path, nearest
// first. The root ("") is not included.
func Ancestors(logical string) []string {
	var out []string
	for p := Parent(logical); p != ""; p = Parent(p) {
		out = append(out, p)
	}
	return out
}

// defaultIgnores are path components that are never observed or indexed.
var defaultIgnores = map[string]struct{}{
	".git":         {},
	".venv":        {},
	"node_modules": {},
	"__pycache__":  {},
	".DS_Store":    {},
	"Thumbs.db":    {},
	"desktop.ini":  {},
}

// Ignored reports whether any component of a logical path is hidden or
// part of the ignore set. Temp files from atomic writes are ignored too.
func Ignored(logical string) bool {
	if logical == "" {
		return false
	}
	for _, part := range strings.Split(logical, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
		if _, ok := defaultIgnores[part]; ok {
			return true
		}
		if strings.HasPrefix(part, "tmp-varasto-") {
			return true
		}
	}
	return false
}
