package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/broker"
	"github.com/neicnordic/sda-orchestrator/go/identifiers"
	"github.com/neicnordic/sda-orchestrator/go/schemas"
)

// ErrBadPath flags an upload whose path does not name a file.
var ErrBadPath = errors.New("upload path does not name a file")

// Inbox transforms inbox lifecycle events into ingest triggers. Only
// uploads produce output; renames and removes are validated and
// acknowledged without one.
type Inbox struct {
	Publisher   Publisher
	IngestQueue string
}

// Handle processes one inbox event.
func (h *Inbox) Handle(ctx context.Context, d broker.Delivery) error {
	var msg map[string]any
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decoding inbox message: %w", err)
	}
	log.WithField("body", string(d.Body)).Debug("inbox message received")

	var operation, _ = msg["operation"].(string)
	log.WithFields(log.Fields{
		"correlationID": d.CorrelationID,
		"user":          msg["user"],
		"filepath":      msg["filepath"],
		"operation":     operation,
	}).Info("received inbox work")

	switch operation {
	case "upload":
		if err := schemas.Validate("inbox-upload", msg); err != nil {
			return err
		}
		var filepath, _ = msg["filepath"].(string)
		if !identifiers.ValidUploadPath(filepath) {
			return fmt.Errorf("%w: %q", ErrBadPath, filepath)
		}
		return h.publishIngest(ctx, d.CorrelationID, msg)
	case "rename":
		return schemas.Validate("inbox-rename", msg)
	case "remove":
		return schemas.Validate("inbox-remove", msg)
	default:
		// Matches upstream behavior: unidentified operations are
		// logged and acknowledged, not funnelled to the error queue.
		log.WithField("operation", operation).Error("unidentified inbox operation")
		return nil
	}
}

func (h *Inbox) publishIngest(ctx context.Context, correlationID string, msg map[string]any) error {
	var trigger = map[string]any{
		"type":     "ingest",
		"user":     msg["user"],
		"filepath": msg["filepath"],
	}
	// The encrypted checksum is carried through, but it may be missing.
	if checksums, ok := msg["encrypted_checksums"]; ok {
		trigger["encrypted_checksums"] = checksums
	}

	if err := schemas.Validate("ingestion-trigger", trigger); err != nil {
		return err
	}
	body, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("encoding ingest trigger: %w", err)
	}
	if err := h.Publisher.Publish(ctx, h.IngestQueue, correlationID, body); err != nil {
		return err
	}

	log.WithFields(log.Fields{"queue": h.IngestQueue, "filepath": msg["filepath"]}).
		Info("sent ingest trigger")
	return nil
}
