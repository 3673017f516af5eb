package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carmarket/auction-ingestion-service/internal/models"
)

// MongoBackend stores one document per storage date, keyed by the date
// itself, with the raw CSV content embedded. Replacing a single document
// is atomic in MongoDB, which gives ReplaceCurrent its guarantee without
// multi-document transactions.
type MongoBackend struct {
	client  *mongo.Client
	current *mongo.Collection
	history *mongo.Collection
}

type mongoBatchDoc struct {
	Date        string    `bson:"_id"`
	Filename    string    `bson:"filename"`
	RowCount    int       `bson:"row_count"`
	Fingerprint string    `bson:"fingerprint"`
	Content     []byte    `bson:"content"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type mongoHistoryDoc struct {
	ID          string    `bson:"_id"`
	Date        string    `bson:"date"`
	Filename    string    `bson:"filename"`
	RowCount    int       `bson:"row_count"`
	Fingerprint string    `bson:"fingerprint"`
	Content     []byte    `bson:"content"`
	IngestedAt  time.Time `bson:"ingested_at"`
}

// NewMongoBackend connects to MongoDB and verifies the connection.
func NewMongoBackend(uri, database, collection string) (*MongoBackend, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb backend requires a connection URI")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &MongoBackend{
		client:  client,
		current: db.Collection(collection),
		history: db.Collection(collection + "_history"),
	}, nil
}

// Exists counts the per-date document without fetching it.
func (m *MongoBackend) Exists(ctx context.Context, date string) (bool, error) {
	n, err := m.current.CountDocuments(ctx, bson.M{"_id": date})
	if err != nil {
		return false, fmt.Errorf("count batch for %s: %w", date, err)
	}
	return n > 0, nil
}

// ReadCurrent fetches the per-date document.
func (m *MongoBackend) ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error) {
	var doc mongoBatchDoc
	err := m.current.FindOne(ctx, bson.M{"_id": date}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read batch for %s: %w", date, err)
	}
	return &models.AuctionBatch{
		Date:        doc.Date,
		Filename:    doc.Filename,
		RowCount:    doc.RowCount,
		Fingerprint: doc.Fingerprint,
		Content:     doc.Content,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// ReplaceCurrent upserts the per-date document in a single operation.
func (m *MongoBackend) ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error {
	doc := mongoBatchDoc{
		Date:        batch.Date,
		Filename:    batch.Filename,
		RowCount:    batch.RowCount,
		Fingerprint: batch.Fingerprint,
		Content:     batch.Content,
		UpdatedAt:   batch.UpdatedAt,
	}
	_, err := m.current.ReplaceOne(ctx, bson.M{"_id": batch.Date}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &WriteError{Backend: "mongodb", Date: batch.Date, Err: err}
	}
	return nil
}

// AppendHistory inserts a new audit document keyed by a fresh id.
func (m *MongoBackend) AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error {
	doc := mongoHistoryDoc{
		ID:          uuid.NewString(),
		Date:        batch.Date,
		Filename:    batch.Filename,
		RowCount:    batch.RowCount,
		Fingerprint: batch.Fingerprint,
		Content:     batch.Content,
		IngestedAt:  ingestedAt,
	}
	if _, err := m.history.InsertOne(ctx, doc); err != nil {
		return &WriteError{Backend: "mongodb", Date: batch.Date, Err: err}
	}
	return nil
}

// GetCSV returns the embedded raw content.
func (m *MongoBackend) GetCSV(ctx context.Context, date string) ([]byte, string, error) {
	batch, err := m.ReadCurrent(ctx, date)
	if err != nil {
		return nil, "", err
	}
	return batch.Content, batch.Filename, nil
}

// ListDates streams document ids, newest first.
func (m *MongoBackend) ListDates(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: -1}})
	cursor, err := m.current.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	defer cursor.Close(ctx)

	var dates []string
	for cursor.Next(ctx) {
		var doc struct {
			Date string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode date: %w", err)
		}
		dates = append(dates, doc.Date)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates: %w", err)
	}
	return dates, nil
}

// CurrentFingerprint projects only the fingerprint field.
func (m *MongoBackend) CurrentFingerprint(ctx context.Context, date string) (string, error) {
	var doc struct {
		Fingerprint string `bson:"fingerprint"`
	}
	err := m.current.FindOne(ctx, bson.M{"_id": date},
		options.FindOne().SetProjection(bson.M{"fingerprint": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query fingerprint for %s: %w", date, err)
	}
	return doc.Fingerprint, nil
}

// Close disconnects the client.
func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
