// Package stages implements the three per-stage message transformers of
// the ingestion pipeline. Each handler decodes a JSON message, validates
// it against its input schema, shapes the next-stage message, validates
// that against the output schema, and publishes it with the inbound
// correlation id.
package stages

import (
	"context"
	"fmt"
)

// Publisher publishes a JSON message to a queue on the pipeline
// exchange. The broker Consumer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, queue, correlationID string, body []byte) error
}

// sha256Checksum extracts the canonical content checksum from a
// decrypted_checksums array. Exactly one sha256 entry must be present.
func sha256Checksum(checksums []any) (string, error) {
	var value string
	var found int
	for _, c := range checksums {
		var entry, ok = c.(map[string]any)
		if !ok {
			continue
		}
		if entry["type"] == "sha256" {
			found++
			value, _ = entry["value"].(string)
		}
	}
	if found != 1 {
		return "", fmt.Errorf("expected exactly one sha256 checksum, found %d", found)
	}
	return value, nil
}
