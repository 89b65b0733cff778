// Package store records file-to-dataset assignments in Postgres. The
// table backs the read-only mapping dashboard; the pipeline itself
// never reads it back.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Store writes mappings through a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens and verifies a pool against the given DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	var pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mapping store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging mapping store: %w", err)
	}
	log.Info("connected to mapping store")
	return &Store{pool: pool}, nil
}

// MapFileToDataset inserts one assignment row.
func (s *Store) MapFileToDataset(ctx context.Context, user, inboxPath, checksum, datasetID, accessionID string) error {
	var _, err = s.pool.Exec(ctx,
		`INSERT INTO file_dataset (elixir_id, inbox_path, checksum, dataset_id, accession_id, mapped_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		user, inboxPath, checksum, datasetID, accessionID)
	if err != nil {
		return fmt.Errorf("inserting mapping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
