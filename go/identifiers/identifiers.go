// Package identifiers derives dataset and accession identifiers for
// files moving through the ingestion pipeline.
package identifiers

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DatasetID derives a deterministic dataset identifier from the user and
// the file's inbox path. Files submitted at the root of an inbox group
// under the user (urn:default:<user>); files under a directory group
// under the top-level directory (urn:dir:<dir>).
func DatasetID(user, inboxPath string) string {
	var segments = strings.Split(inboxPath, "/")
	if len(segments) <= 2 {
		return fmt.Sprintf("urn:default:%s", user)
	}
	// An absolute path splits with a leading empty segment.
	if segments[0] == "" {
		return fmt.Sprintf("urn:dir:%s", segments[1])
	}
	return fmt.Sprintf("urn:dir:%s", segments[0])
}

// AccessionID returns a fresh accession identifier in URN form.
func AccessionID() string {
	return fmt.Sprintf("urn:uuid:%s", uuid.New().String())
}

// ValidUploadPath reports whether an inbox upload path names an actual
// file: its final component must not be empty, "." or "..".
func ValidUploadPath(p string) bool {
	var segments = strings.Split(p, "/")
	switch segments[len(segments)-1] {
	case "", ".", "..":
		return false
	}
	return true
}
