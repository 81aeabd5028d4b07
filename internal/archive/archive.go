// Package archive names raw deck payloads. The backends live in the gcs, local and
// memory subpackages; each implements harvest.Archive.
package archive

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/deck-harvester/internal/fingerprint"
)

// ContentType picks the stored content type from the payload's first byte.
func ContentType(raw []byte) string {
	trimmed := strings.TrimLeft(string(firstBytes(raw, 64)), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/html; charset=utf-8"
}

// Key returns the object path for one fetched payload:
// {prefix}/{source}/{yyyy}/{mm}/{dd}/{externalID}-{digest}.{ext}. The digest keeps
// identical re-fetches on the same object.
func Key(prefix, source, externalID string, fetchedAt time.Time, raw []byte) string {
	ext := "html"
	if ContentType(raw) == "application/json" {
		ext = "json"
	}
	day := fetchedAt.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s-%s.%s", sanitize(externalID), fingerprint.Digest(raw)[:16], ext)
	return path.Join(strings.Trim(prefix, "/"), sanitize(source), day, name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func firstBytes(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
