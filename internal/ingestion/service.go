package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carmarket/auction-ingestion-service/internal/bizdate"
	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/csvdata"
	"github.com/carmarket/auction-ingestion-service/internal/fetch"
	"github.com/carmarket/auction-ingestion-service/internal/models"
	"github.com/carmarket/auction-ingestion-service/internal/storage"
)

// State is a step of the ingestion pipeline. Each run walks the machine
// Fetching -> (Skipped | Parsing) -> Resolving -> Comparing ->
// (NoOpWrite | Writing) -> (HistoryAppending) -> Done. A failure in
// Fetching, Parsing, or Writing leaves the machine immediately with a
// failed Result.
type State string

const (
	StateFetching         State = "fetching"
	StateSkipped          State = "skipped"
	StateParsing          State = "parsing"
	StateResolving        State = "resolving"
	StateComparing        State = "comparing"
	StateNoOpWrite        State = "noop_write"
	StateWriting          State = "writing"
	StateHistoryAppending State = "history_appending"
	StateDone             State = "done"
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeSkipped: upstream revalidated the cached copy, nothing was
	// transferred and storage was not touched.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNoChange: a full response arrived but its fingerprint
	// matches the stored batch, so nothing was written.
	OutcomeNoChange Outcome = "no_change"
	// OutcomeIngested: a new batch was committed.
	OutcomeIngested Outcome = "ingested"
	// OutcomeFailed: the attempt aborted; previously stored data is
	// untouched.
	OutcomeFailed Outcome = "failed"
)

// Result reports one pipeline run.
type Result struct {
	Outcome      Outcome  `json:"outcome"`
	ClaimedDate  string   `json:"claimed_date,omitempty"`
	StorageDate  string   `json:"storage_date,omitempty"`
	RowCount     int      `json:"row_count,omitempty"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	HistoryError string   `json:"history_error,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Fetcher is the conditional-retrieval dependency of the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// Service orchestrates fetch, date resolution, parsing, fingerprint
// comparison, and storage. It performs no implicit retry; retry policy
// belongs to whatever triggers it.
type Service struct {
	cfg     config.CrawlConfig
	fetcher Fetcher
	backend storage.Backend
	history bool
	log     *logrus.Entry
	now     func() time.Time
}

// NewService creates a new ingestion service
func NewService(cfg config.CrawlConfig, fetcher Fetcher, backend storage.Backend, historyEnabled bool, log *logrus.Entry) *Service {
	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		backend: backend,
		history: historyEnabled,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs an initial ingestion and then triggers one per configured
// interval until the context is cancelled. A zero interval means the
// service only runs when triggered externally.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.TriggerIngestion(ctx, ""); err != nil {
		s.log.WithError(err).Error("initial ingestion failed")
	}

	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TriggerIngestion(ctx, ""); err != nil {
				s.log.WithError(err).Error("scheduled ingestion failed")
			}
		}
	}
}

// TriggerIngestion runs the pipeline once. dateOverride, when non-empty,
// replaces the wall-clock YYMMDD stamp as the claimed source date.
// A failed run never alters previously committed batches.
func (s *Service) TriggerIngestion(ctx context.Context, dateOverride string) (*Result, error) {
	res := &Result{Outcome: OutcomeFailed}

	var (
		raw     []byte
		rows    []models.AuctionRow
		batch   *models.AuctionBatch
		claimed string
		state   = StateFetching
	)

	for {
		switch state {
		case StateFetching:
			fr, err := s.fetcher.Fetch(ctx, s.cfg.SourceURL)
			if err != nil {
				return s.fail(res, err)
			}
			if fr.Unchanged {
				state = StateSkipped
				continue
			}
			raw = fr.Content
			state = StateParsing

		case StateSkipped:
			res.Outcome = OutcomeSkipped
			s.log.Info("source unchanged, skipping ingestion")
			return res, nil

		case StateParsing:
			parsed, warnings, err := csvdata.Parse("", raw)
			if err != nil {
				return s.fail(res, fmt.Errorf("parse csv: %w", err))
			}
			res.Warnings = warnings
			if len(parsed) == 0 {
				// Never overwrite a previously good batch with nothing.
				return s.fail(res, fmt.Errorf("parse csv: no valid rows in %d bytes", len(raw)))
			}
			rows = parsed
			state = StateResolving

		case StateResolving:
			claimed = dateOverride
			if claimed == "" {
				claimed = bizdate.Format(s.now())
			}
			stored, err := bizdate.Resolve(claimed)
			if err != nil {
				return s.fail(res, fmt.Errorf("resolve business date: %w", err))
			}
			res.ClaimedDate = claimed
			res.StorageDate = stored
			for i := range rows {
				rows[i].Date = stored
			}
			state = StateComparing

		case StateComparing:
			fp := models.ContentFingerprint(raw)
			res.Fingerprint = fp
			current, err := s.backend.CurrentFingerprint(ctx, res.StorageDate)
			if err != nil {
				return s.fail(res, fmt.Errorf("read stored fingerprint: %w", err))
			}
			if current == fp {
				state = StateNoOpWrite
				continue
			}
			batch = &models.AuctionBatch{
				Date:        res.StorageDate,
				Filename:    models.SourceFilename(res.StorageDate),
				RowCount:    len(rows),
				Fingerprint: fp,
				Content:     raw,
				Rows:        rows,
				UpdatedAt:   s.now(),
			}
			res.RowCount = batch.RowCount
			if current != "" {
				s.warnOnRowCountDrop(ctx, batch)
			}
			state = StateWriting

		case StateNoOpWrite:
			res.Outcome = OutcomeNoChange
			s.log.WithField("date", res.StorageDate).Info("content fingerprint unchanged, nothing written")
			return res, nil

		case StateWriting:
			if err := s.backend.ReplaceCurrent(ctx, batch); err != nil {
				return s.fail(res, err)
			}
			s.log.WithFields(logrus.Fields{
				"date": batch.Date,
				"rows": batch.RowCount,
			}).Info("batch replaced")
			if s.history {
				state = StateHistoryAppending
				continue
			}
			state = StateDone

		case StateHistoryAppending:
			// Best-effort audit trail: a failure here is reported but the
			// committed replace is never rolled back.
			if err := s.backend.AppendHistory(ctx, batch, s.now()); err != nil {
				res.HistoryError = err.Error()
				s.log.WithError(err).Warn("history append failed")
			}
			state = StateDone

		case StateDone:
			res.Outcome = OutcomeIngested
			return res, nil
		}
	}
}

// warnOnRowCountDrop flags ingests that would shrink an existing batch.
// Shrinkage can be a legitimate upstream correction, so it only warns.
func (s *Service) warnOnRowCountDrop(ctx context.Context, batch *models.AuctionBatch) {
	prev, err := s.backend.ReadCurrent(ctx, batch.Date)
	if err != nil {
		return
	}
	if batch.RowCount < prev.RowCount {
		s.log.WithFields(logrus.Fields{
			"date":          batch.Date,
			"previous_rows": prev.RowCount,
			"new_rows":      batch.RowCount,
		}).Warn("ingest shrinks stored batch")
	}
}

func (s *Service) fail(res *Result, err error) (*Result, error) {
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	s.log.WithError(err).Error("ingestion attempt failed")
	return res, err
}
