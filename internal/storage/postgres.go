package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/carmarket/auction-ingestion-service/internal/csvdata"
	"github.com/carmarket/auction-ingestion-service/internal/models"
)

// PostgresBackend stores each batch row-oriented: one table row per
// auction row keyed by (date, row_index), plus a per-date metadata row.
// Replacement runs as a single transaction so readers see either the old
// or the new row set.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend connects and ensures the schema exists.
func NewPostgresBackend(uri string) (*PostgresBackend, error) {
	if uri == "" {
		return nil, fmt.Errorf("postgresql backend requires a connection URI")
	}
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b := &PostgresBackend{db: db}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (p *PostgresBackend) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS auction_batches (
			date TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auction_rows (
			date TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			post_title TEXT NOT NULL DEFAULT '',
			sell_number TEXT NOT NULL DEFAULT '',
			car_number TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			fuel TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			km TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			trans TEXT NOT NULL DEFAULT '',
			year TEXT NOT NULL DEFAULT '',
			auction_name TEXT NOT NULL DEFAULT '',
			vin TEXT NOT NULL DEFAULT '',
			score TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (date, row_index)
		)`,
		`CREATE TABLE IF NOT EXISTS auction_history (
			id BIGSERIAL PRIMARY KEY,
			date TEXT NOT NULL,
			filename TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			content TEXT NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auction_history_date ON auction_history (date)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Exists checks the metadata table only.
func (p *PostgresBackend) Exists(ctx context.Context, date string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM auction_batches WHERE date = $1`, date).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query batch for %s: %w", date, err)
	}
	return true, nil
}

// ReadCurrent loads the metadata and row set for date and reconstructs
// the CSV content from the rows.
func (p *PostgresBackend) ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error) {
	batch := &models.AuctionBatch{Date: date}
	err := p.db.QueryRowContext(ctx,
		`SELECT filename, row_count, fingerprint, updated_at FROM auction_batches WHERE date = $1`, date,
	).Scan(&batch.Filename, &batch.RowCount, &batch.Fingerprint, &batch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query batch for %s: %w", date, err)
	}

	rows, err := p.readRows(ctx, date)
	if err != nil {
		return nil, err
	}
	batch.Rows = rows

	content, err := csvdata.Serialize(rows)
	if err != nil {
		return nil, fmt.Errorf("serialize rows for %s: %w", date, err)
	}
	batch.Content = content
	return batch, nil
}

func (p *PostgresBackend) readRows(ctx context.Context, date string) ([]models.AuctionRow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT row_index, post_title, sell_number, car_number, color, fuel, image,
		        km, price, title, trans, year, auction_name, vin, score
		 FROM auction_rows WHERE date = $1 ORDER BY row_index`, date)
	if err != nil {
		return nil, fmt.Errorf("query rows for %s: %w", date, err)
	}
	defer rows.Close()

	var result []models.AuctionRow
	for rows.Next() {
		r := models.AuctionRow{Date: date}
		if err := rows.Scan(&r.Index, &r.PostTitle, &r.SellNumber, &r.CarNumber, &r.Color,
			&r.Fuel, &r.ImageURL, &r.KM, &r.Price, &r.Title, &r.Trans, &r.Year,
			&r.AuctionName, &r.VIN, &r.Score); err != nil {
			return nil, fmt.Errorf("scan row for %s: %w", date, err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows for %s: %w", date, err)
	}
	return result, nil
}

// ReplaceCurrent swaps the whole row set and metadata for the batch's
// date inside one transaction.
func (p *PostgresBackend) ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Backend: "postgresql", Date: batch.Date, Err: err}
	}
	if err := p.replaceInTx(ctx, tx, batch); err != nil {
		tx.Rollback()
		return &WriteError{Backend: "postgresql", Date: batch.Date, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Backend: "postgresql", Date: batch.Date, Err: err}
	}
	return nil
}

func (p *PostgresBackend) replaceInTx(ctx context.Context, tx *sql.Tx, batch *models.AuctionBatch) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM auction_rows WHERE date = $1`, batch.Date); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO auction_rows (date, row_index, post_title, sell_number, car_number,
		        color, fuel, image, km, price, title, trans, year, auction_name, vin, score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch.Rows {
		if _, err := stmt.ExecContext(ctx, batch.Date, r.Index, r.PostTitle, r.SellNumber,
			r.CarNumber, r.Color, r.Fuel, r.ImageURL, r.KM, r.Price, r.Title, r.Trans,
			r.Year, r.AuctionName, r.VIN, r.Score); err != nil {
			return fmt.Errorf("insert row %d: %w", r.Index, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO auction_batches (date, filename, row_count, fingerprint, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (date) DO UPDATE
		 SET filename = EXCLUDED.filename,
		     row_count = EXCLUDED.row_count,
		     fingerprint = EXCLUDED.fingerprint,
		     updated_at = EXCLUDED.updated_at`,
		batch.Date, batch.Filename, batch.RowCount, batch.Fingerprint, batch.UpdatedAt); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// AppendHistory inserts one audit row; the table is never updated or
// deleted from by the pipeline.
func (p *PostgresBackend) AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO auction_history (date, filename, row_count, fingerprint, content, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		batch.Date, batch.Filename, batch.RowCount, batch.Fingerprint, string(batch.Content), ingestedAt)
	if err != nil {
		return &WriteError{Backend: "postgresql", Date: batch.Date, Err: err}
	}
	return nil
}

// GetCSV reconstructs CSV text from the stored row set.
func (p *PostgresBackend) GetCSV(ctx context.Context, date string) ([]byte, string, error) {
	batch, err := p.ReadCurrent(ctx, date)
	if err != nil {
		return nil, "", err
	}
	return batch.Content, batch.Filename, nil
}

// ListDates returns stored dates, newest first.
func (p *PostgresBackend) ListDates(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT date FROM auction_batches ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates: %w", err)
	}
	return dates, nil
}

// CurrentFingerprint reads the stored fingerprint without loading rows.
func (p *PostgresBackend) CurrentFingerprint(ctx context.Context, date string) (string, error) {
	var fp string
	err := p.db.QueryRowContext(ctx, `SELECT fingerprint FROM auction_batches WHERE date = $1`, date).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query fingerprint for %s: %w", date, err)
	}
	return fp, nil
}

// Close releases the connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}
