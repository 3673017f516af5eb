package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AuctionRow is one parsed record of the daily auction CSV. Field values
// are carried verbatim from the source columns so that re-serialization
// reproduces the ingested content exactly.
type AuctionRow struct {
	Date  string `json:"date"`
	Index int    `json:"row_index"`

	PostTitle   string `json:"post_title"`
	SellNumber  string `json:"sell_number"`
	CarNumber   string `json:"car_number"`
	Color       string `json:"color"`
	Fuel        string `json:"fuel"`
	ImageURL    string `json:"image"`
	KM          string `json:"km"`
	Price       string `json:"price"`
	Title       string `json:"title"`
	Trans       string `json:"trans"`
	Year        string `json:"year"`
	AuctionName string `json:"auction_name"`
	VIN         string `json:"vin"`
	Score       string `json:"score"`
}

// AuctionBatch is the single authoritative snapshot stored for one
// business date. A later ingest for the same date replaces it wholesale.
type AuctionBatch struct {
	Date        string       `json:"date"` // YYMMDD
	Filename    string       `json:"filename"`
	RowCount    int          `json:"row_count"`
	Fingerprint string       `json:"fingerprint"`
	Content     []byte       `json:"-"`
	Rows        []AuctionRow `json:"-"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HistoryEntry is an immutable audit copy of a batch taken at ingest
// time. IngestedAt is distinct from the batch's own UpdatedAt.
type HistoryEntry struct {
	ID         string       `json:"id"`
	Batch      AuctionBatch `json:"batch"`
	IngestedAt time.Time    `json:"ingested_at"`
}

// ContentFingerprint returns the sha256 hex digest of the exact raw
// bytes. Used only for change detection, never as a security control.
func ContentFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SourceFilename builds the canonical per-date CSV filename.
func SourceFilename(date string) string {
	return "auction_data_" + date + ".csv"
}
