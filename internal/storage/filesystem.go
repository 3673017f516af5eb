package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carmarket/auction-ingestion-service/internal/bizdate"
	"github.com/carmarket/auction-ingestion-service/internal/models"
)

const (
	filePrefix = "auction_data_"
	fileExt    = ".csv"
	metaDir    = ".meta"
	historyDir = "history"
)

// FilesystemBackend stores one raw CSV file per storage date under a root
// directory, with a JSON sidecar holding the batch metadata so reads
// never re-parse the content. Replacement is write-to-temp-then-rename
// for each file, and a read-write mutex keeps the content file and its
// sidecar in step: a reader never pairs new content with old metadata.
type FilesystemBackend struct {
	root string
	mu   sync.RWMutex
}

type fileMeta struct {
	Date        string    `json:"date"`
	Filename    string    `json:"filename"`
	RowCount    int       `json:"row_count"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewFilesystemBackend creates the root layout if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem backend requires a data directory")
	}
	for _, dir := range []string{root, filepath.Join(root, metaDir), filepath.Join(root, historyDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FilesystemBackend{root: root}, nil
}

func (f *FilesystemBackend) contentPath(date string) string {
	return filepath.Join(f.root, filePrefix+date+fileExt)
}

func (f *FilesystemBackend) metaPath(date string) string {
	return filepath.Join(f.root, metaDir, date+".json")
}

// Exists reports whether a current batch file is present for date.
func (f *FilesystemBackend) Exists(ctx context.Context, date string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err := os.Stat(f.contentPath(date))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat batch for %s: %w", date, err)
}

// ReadCurrent loads the stored CSV and its sidecar metadata. When no
// file exists under the storage date it falls back to files saved under
// the claimed source dates, which is how batches were named before they
// were filed under their business date.
func (f *FilesystemBackend) ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	content, err := os.ReadFile(f.contentPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return f.readLegacy(date)
		}
		return nil, fmt.Errorf("read batch for %s: %w", date, err)
	}

	batch := &models.AuctionBatch{
		Date:     date,
		Filename: filePrefix + date + fileExt,
		Content:  content,
	}
	if meta, ok := f.readMeta(date); ok {
		batch.Filename = meta.Filename
		batch.RowCount = meta.RowCount
		batch.Fingerprint = meta.Fingerprint
		batch.UpdatedAt = meta.UpdatedAt
	} else {
		// Legacy file without a sidecar: fingerprint is recomputable,
		// the row count is not known without a parse.
		batch.Fingerprint = models.ContentFingerprint(content)
	}
	return batch, nil
}

// ReplaceCurrent installs the new snapshot: the content file is renamed
// into place first, then the metadata sidecar. The write lock excludes
// readers for the window between the two renames.
func (f *FilesystemBackend) ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeFileAtomic(f.contentPath(batch.Date), batch.Content); err != nil {
		return &WriteError{Backend: "filesystem", Date: batch.Date, Err: err}
	}

	meta := fileMeta{
		Date:        batch.Date,
		Filename:    batch.Filename,
		RowCount:    batch.RowCount,
		Fingerprint: batch.Fingerprint,
		UpdatedAt:   batch.UpdatedAt,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &WriteError{Backend: "filesystem", Date: batch.Date, Err: err}
	}
	if err := writeFileAtomic(f.metaPath(batch.Date), raw); err != nil {
		return &WriteError{Backend: "filesystem", Date: batch.Date, Err: err}
	}
	return nil
}

// AppendHistory writes one immutable JSON entry per ingest under
// history/, named so entries never collide or overwrite.
func (f *FilesystemBackend) AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error {
	entry := models.HistoryEntry{
		ID:         uuid.NewString(),
		Batch:      *batch,
		IngestedAt: ingestedAt,
	}
	raw, err := json.Marshal(struct {
		models.HistoryEntry
		Content []byte `json:"content"`
	}{HistoryEntry: entry, Content: batch.Content})
	if err != nil {
		return &WriteError{Backend: "filesystem", Date: batch.Date, Err: err}
	}

	name := fmt.Sprintf("%s_%d_%s.json", batch.Date, ingestedAt.UnixNano(), entry.ID[:8])
	path := filepath.Join(f.root, historyDir, name)
	if err := writeFileAtomic(path, raw); err != nil {
		return &WriteError{Backend: "filesystem", Date: batch.Date, Err: err}
	}
	return nil
}

// GetCSV returns the stored raw content; no re-serialization is needed
// because the file is the ingested bytes.
func (f *FilesystemBackend) GetCSV(ctx context.Context, date string) ([]byte, string, error) {
	batch, err := f.ReadCurrent(ctx, date)
	if err != nil {
		return nil, "", err
	}
	return batch.Content, batch.Filename, nil
}

// ListDates scans the root directory for per-date files, newest first.
func (f *FilesystemBackend) ListDates(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.root, err)
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
		if len(date) == 6 {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// CurrentFingerprint reads the fingerprint from the sidecar without
// touching the content file.
func (f *FilesystemBackend) CurrentFingerprint(ctx context.Context, date string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if meta, ok := f.readMeta(date); ok {
		return meta.Fingerprint, nil
	}
	content, err := os.ReadFile(f.contentPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read batch for %s: %w", date, err)
	}
	return models.ContentFingerprint(content), nil
}

// Close is a no-op; the backend holds no connections.
func (f *FilesystemBackend) Close() error { return nil }

// readLegacy looks for a file saved under one of the source dates that
// map onto the requested storage date. Legacy files carry no sidecar, so
// the fingerprint is recomputed and the row count stays unknown.
// Callers hold the read lock.
func (f *FilesystemBackend) readLegacy(date string) (*models.AuctionBatch, error) {
	candidates, err := bizdate.SourceCandidates(date)
	if err != nil {
		return nil, ErrNotFound
	}
	for _, src := range candidates {
		content, err := os.ReadFile(f.contentPath(src))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read legacy batch %s for %s: %w", src, date, err)
		}
		return &models.AuctionBatch{
			Date:        date,
			Filename:    filePrefix + src + fileExt,
			Fingerprint: models.ContentFingerprint(content),
			Content:     content,
		}, nil
	}
	return nil, ErrNotFound
}

func (f *FilesystemBackend) readMeta(date string) (fileMeta, bool) {
	raw, err := os.ReadFile(f.metaPath(date))
	if err != nil {
		return fileMeta{}, false
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fileMeta{}, false
	}
	return meta, true
}

// writeFileAtomic writes to a temp file in the target directory and
// renames it over the destination.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
