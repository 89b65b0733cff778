package stages

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/broker"
	"github.com/neicnordic/sda-orchestrator/go/identifiers"
	"github.com/neicnordic/sda-orchestrator/go/schemas"
)

// Verified assigns an accession id to each verified file and requests
// its accessioning downstream.
type Verified struct {
	Publisher      Publisher
	AccessionQueue string
	// NewAccessionID defaults to identifiers.AccessionID; tests inject
	// a deterministic generator.
	NewAccessionID func() string
}

// Handle processes one verification completion.
func (h *Verified) Handle(ctx context.Context, d broker.Delivery) error {
	var msg map[string]any
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decoding verified message: %w", err)
	}
	log.WithField("body", string(d.Body)).Debug("verified message received")

	if err := schemas.Validate("ingestion-accession-request", msg); err != nil {
		return err
	}

	checksums, _ := msg["decrypted_checksums"].([]any)
	checksum, err := sha256Checksum(checksums)
	if err != nil {
		return err
	}

	var newID = h.NewAccessionID
	if newID == nil {
		newID = identifiers.AccessionID
	}
	var accessionID = newID()

	var request = map[string]any{
		"type":                "accession",
		"user":                msg["user"],
		"filepath":            msg["filepath"],
		"decrypted_checksums": msg["decrypted_checksums"],
		"accession_id":        accessionID,
	}
	if err := schemas.Validate("ingestion-accession", request); err != nil {
		return err
	}
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding accession request: %w", err)
	}
	if err := h.Publisher.Publish(ctx, h.AccessionQueue, d.CorrelationID, body); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"queue":       h.AccessionQueue,
		"filepath":    msg["filepath"],
		"accessionID": accessionID,
		"checksum":    checksum,
	}).Info("sent accession request")
	return nil
}
