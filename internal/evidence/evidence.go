package evidence

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"orderflow/backend/internal/xid"
)

// Store persists an evidence file and returns the URL it can be fetched from.
type Store interface {
	Save(ctx context.Context, returnID string, filename string, contentType string, r io.Reader) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename keeps the base name and replaces anything outside [a-zA-Z0-9._-].
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return base
}

// ObjectKey is returns/<return id>/<token>-<sanitized name>. The token must be
// unique per file so same-named files in one upload never share a key.
func ObjectKey(returnID string, filename string, token string) (string, error) {
	id := SanitizeFilename(returnID)
	if strings.TrimSpace(returnID) == "" || id != strings.TrimSpace(returnID) {
		return "", fmt.Errorf("evidence: invalid return id %q", returnID)
	}
	token = strings.TrimSpace(token)
	if token == "" || SanitizeFilename(token) != token {
		return "", fmt.Errorf("evidence: invalid object token %q", token)
	}
	return fmt.Sprintf("returns/%s/%s-%s", id, token, SanitizeFilename(filename)), nil
}

// newToken is a lowercase ULID, so keys under one return sort by upload time.
func newToken() string {
	return xid.New("")
}
