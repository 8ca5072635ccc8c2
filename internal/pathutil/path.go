// Package pathutil normalizes ZIP entry filenames into the slash-separated,
// relative, traversal-free paths stored in a fileset manifest.
package pathutil

import (
	"strings"

	"github.com/filecas/filecas/internal/errs"
)

// Normalize applies the normalization rules: reject embedded NUL bytes,
// fold backslashes to forward slashes, strip repeated leading "./",
// reject absolute paths and ".." traversal, and drop "." components.
// An empty return value with a nil error means "drop this entry silently"
// (the name normalized away to nothing, e.g. "." or "./" alone).
func Normalize(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", errs.New(errs.KindInvalidFilename, "NUL byte in filename")
	}

	slashed := strings.ReplaceAll(name, "\\", "/")

	for strings.HasPrefix(slashed, "./") {
		slashed = slashed[2:]
	}

	if strings.HasPrefix(slashed, "/") {
		return "", errs.New(errs.KindInvalidFilename, "absolute paths not allowed")
	}

	parts := strings.Split(slashed, "/")
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", errs.New(errs.KindInvalidFilename, "parent path not allowed")
		default:
			kept = append(kept, p)
		}
	}

	return strings.Join(kept, "/"), nil
}
