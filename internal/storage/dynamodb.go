package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/google/uuid"

	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/models"
)

// DynamoBackend stores one item per storage date plus an append-only
// history table keyed by a surrogate id. PutItem replaces the whole item
// atomically, which is the backend's replace guarantee.
type DynamoBackend struct {
	client       *dynamodb.DynamoDB
	tableName    string
	historyTable string
}

type dynamoBatchItem struct {
	Date        string `dynamodbav:"date"`
	Filename    string `dynamodbav:"filename"`
	RowCount    int    `dynamodbav:"row_count"`
	Fingerprint string `dynamodbav:"fingerprint"`
	Content     []byte `dynamodbav:"content"`
	UpdatedAt   string `dynamodbav:"updated_at"`
}

type dynamoHistoryItem struct {
	ID          string `dynamodbav:"id"`
	Date        string `dynamodbav:"date"`
	Filename    string `dynamodbav:"filename"`
	RowCount    int    `dynamodbav:"row_count"`
	Fingerprint string `dynamodbav:"fingerprint"`
	Content     []byte `dynamodbav:"content"`
	IngestedAt  string `dynamodbav:"ingested_at"`
}

// NewDynamoBackend creates a DynamoDB-backed store.
func NewDynamoBackend(cfg config.StorageConfig) (*DynamoBackend, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	backend := &DynamoBackend{
		client:       dynamodb.New(sess),
		tableName:    cfg.TableName,
		historyTable: cfg.TableName + "_history",
	}

	// Create tables if they don't exist (for local testing)
	if err := backend.ensureTable(backend.tableName, "date"); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}
	if err := backend.ensureTable(backend.historyTable, "id"); err != nil {
		return nil, fmt.Errorf("failed to ensure history table exists: %w", err)
	}

	return backend, nil
}

// ensureTable creates a table with a single string hash key if missing.
func (d *DynamoBackend) ensureTable(name, hashKey string) error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil // Table already exists
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

// Exists checks for the per-date item without reading its content.
func (d *DynamoBackend) Exists(ctx context.Context, date string) (bool, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.tableName),
		Key:                  dateKey(date),
		ProjectionExpression: aws.String("#d"),
		ExpressionAttributeNames: map[string]*string{
			"#d": aws.String("date"),
		},
	})
	if err != nil {
		return false, fmt.Errorf("get batch for %s: %w", date, err)
	}
	return out.Item != nil, nil
}

// ReadCurrent fetches and unmarshals the per-date item.
func (d *DynamoBackend) ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       dateKey(date),
	})
	if err != nil {
		return nil, fmt.Errorf("get batch for %s: %w", date, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item dynamoBatchItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal batch for %s: %w", date, err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		updatedAt = time.Time{}
	}
	return &models.AuctionBatch{
		Date:        item.Date,
		Filename:    item.Filename,
		RowCount:    item.RowCount,
		Fingerprint: item.Fingerprint,
		Content:     item.Content,
		UpdatedAt:   updatedAt,
	}, nil
}

// ReplaceCurrent puts the whole item, replacing any previous snapshot.
func (d *DynamoBackend) ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error {
	item, err := dynamodbattribute.MarshalMap(dynamoBatchItem{
		Date:        batch.Date,
		Filename:    batch.Filename,
		RowCount:    batch.RowCount,
		Fingerprint: batch.Fingerprint,
		Content:     batch.Content,
		UpdatedAt:   batch.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return &WriteError{Backend: "dynamodb", Date: batch.Date, Err: err}
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return &WriteError{Backend: "dynamodb", Date: batch.Date, Err: err}
	}
	return nil
}

// AppendHistory writes a new history item under a fresh surrogate id.
func (d *DynamoBackend) AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error {
	item, err := dynamodbattribute.MarshalMap(dynamoHistoryItem{
		ID:          uuid.NewString(),
		Date:        batch.Date,
		Filename:    batch.Filename,
		RowCount:    batch.RowCount,
		Fingerprint: batch.Fingerprint,
		Content:     batch.Content,
		IngestedAt:  ingestedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return &WriteError{Backend: "dynamodb", Date: batch.Date, Err: err}
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.historyTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return &WriteError{Backend: "dynamodb", Date: batch.Date, Err: err}
	}
	return nil
}

// GetCSV returns the stored raw content.
func (d *DynamoBackend) GetCSV(ctx context.Context, date string) ([]byte, string, error) {
	batch, err := d.ReadCurrent(ctx, date)
	if err != nil {
		return nil, "", err
	}
	return batch.Content, batch.Filename, nil
}

// ListDates scans the date keys and sorts them newest first.
func (d *DynamoBackend) ListDates(ctx context.Context) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:            aws.String(d.tableName),
		ProjectionExpression: aws.String("#d"),
		ExpressionAttributeNames: map[string]*string{
			"#d": aws.String("date"),
		},
	}

	var dates []string
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, item := range page.Items {
			if attr, ok := item["date"]; ok && attr.S != nil {
				dates = append(dates, *attr.S)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan dates: %w", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// CurrentFingerprint projects only the fingerprint attribute.
func (d *DynamoBackend) CurrentFingerprint(ctx context.Context, date string) (string, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.tableName),
		Key:                  dateKey(date),
		ProjectionExpression: aws.String("fingerprint"),
	})
	if err != nil {
		return "", fmt.Errorf("get fingerprint for %s: %w", date, err)
	}
	if out.Item == nil {
		return "", nil
	}
	if attr, ok := out.Item["fingerprint"]; ok && attr.S != nil {
		return *attr.S, nil
	}
	return "", nil
}

// Close closes the DynamoDB connection
func (d *DynamoBackend) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

func dateKey(date string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"date": {S: aws.String(date)},
	}
}
