package stages

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/broker"
	"github.com/neicnordic/sda-orchestrator/go/schemas"
)

// MappingRecorder records a file-to-dataset assignment in a backing
// store. It feeds the read-only dashboard and is advisory: recorder
// failures are logged, never fatal to the message.
type MappingRecorder interface {
	MapFileToDataset(ctx context.Context, user, inboxPath, checksum, datasetID, accessionID string) error
}

// Completed turns ingestion completions into dataset mappings,
// acquiring the dataset identifier through the configured provider.
type Completed struct {
	Publisher     Publisher
	MappingsQueue string
	DatasetID     DatasetIDProvider
	Recorder      MappingRecorder
}

// Handle processes one ingestion completion.
func (h *Completed) Handle(ctx context.Context, d broker.Delivery) error {
	var msg map[string]any
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decoding completed message: %w", err)
	}
	log.WithField("body", string(d.Body)).Debug("completed message received")

	if err := schemas.Validate("ingestion-completion", msg); err != nil {
		return err
	}

	var user, _ = msg["user"].(string)
	var filepath, _ = msg["filepath"].(string)
	var accessionID, _ = msg["accession_id"].(string)

	datasetID, err := h.DatasetID.DatasetID(ctx, user, filepath)
	if err != nil {
		return err
	}

	var mapping = map[string]any{
		"type":          "mapping",
		"dataset_id":    datasetID,
		"accession_ids": []string{accessionID},
	}
	if err := schemas.Validate("dataset-mapping", mapping); err != nil {
		return err
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encoding dataset mapping: %w", err)
	}
	if err := h.Publisher.Publish(ctx, h.MappingsQueue, d.CorrelationID, body); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"queue":       h.MappingsQueue,
		"datasetID":   datasetID,
		"accessionID": accessionID,
	}).Info("sent dataset mapping")

	h.record(ctx, msg, user, filepath, datasetID, accessionID)
	return nil
}

func (h *Completed) record(ctx context.Context, msg map[string]any, user, filepath, datasetID, accessionID string) {
	if h.Recorder == nil {
		return
	}

	checksums, _ := msg["decrypted_checksums"].([]any)
	checksum, err := sha256Checksum(checksums)
	if err != nil {
		log.WithField("err", err).Error("not recording mapping")
		return
	}
	if err := h.Recorder.MapFileToDataset(ctx, user, filepath, checksum, datasetID, accessionID); err != nil {
		log.WithFields(log.Fields{"err": err, "datasetID": datasetID}).
			Error("recording file-to-dataset mapping failed")
	}
}
