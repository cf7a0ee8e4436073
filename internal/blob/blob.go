// Package blob archives original uploads in object storage.
package blob

import (
	"context"
	"path"
	"regexp"
	"strings"
)

// Archiver copies a local file to durable storage and returns its URL.
type Archiver interface {
	Archive(ctx context.Context, key, localPath, contentType string) (string, error)
	Backend() string
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectKey builds the object name for an upload:
// documents/<processID>/<sanitised file name>.
func ObjectKey(processID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "upload"
	}
	return path.Join("documents", processID, base)
}
