package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/models"
)

// ErrNotFound reports that no current batch exists for the requested
// date. It is an absence, not a system fault.
var ErrNotFound = errors.New("no batch stored for date")

// WriteError reports that the storage layer rejected or failed an atomic
// replace or history append; no partial state is left behind.
type WriteError struct {
	Backend string
	Date    string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write failed for date %s: %v", e.Backend, e.Date, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Backend is the durable store for per-date auction batches. ReplaceCurrent
// must be atomic with respect to concurrent readers of the same date, and
// AppendHistory is strictly additive.
type Backend interface {
	// Exists reports whether a current batch is stored for date,
	// without side effects.
	Exists(ctx context.Context, date string) (bool, error)
	// ReadCurrent returns the current batch for date or ErrNotFound.
	ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error)
	// ReplaceCurrent atomically installs batch as the current snapshot
	// for its date. Readers observe either the old or the new batch,
	// never a mix.
	ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error
	// AppendHistory records an audit copy of batch taken at ingestedAt.
	// It never overwrites existing entries.
	AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error
	// GetCSV reconstructs the CSV content and source filename for date,
	// equivalent in row order and field values to what was ingested.
	GetCSV(ctx context.Context, date string) ([]byte, string, error)
	// ListDates returns the dates holding a current batch, newest first.
	ListDates(ctx context.Context) ([]string, error)
	// CurrentFingerprint returns the stored content fingerprint for
	// date, or "" when no batch exists.
	CurrentFingerprint(ctx context.Context, date string) (string, error)
	Close() error
}

// New creates a storage backend instance based on configuration.
func New(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemBackend(cfg.DataDir)
	case "postgresql":
		return NewPostgresBackend(cfg.PostgresURI)
	case "mongodb":
		return NewMongoBackend(cfg.MongoDBURI, cfg.MongoDatabase, cfg.MongoCollection)
	case "dynamodb":
		return NewDynamoBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
