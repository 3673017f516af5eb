package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/fetch"
	"github.com/carmarket/auction-ingestion-service/internal/ingestion"
	"github.com/carmarket/auction-ingestion-service/internal/storage"
)

// Ingestor triggers one pipeline run on demand.
type Ingestor interface {
	TriggerIngestion(ctx context.Context, dateOverride string) (*ingestion.Result, error)
}

// Server handles HTTP requests
type Server struct {
	config  config.ServerConfig
	backend storage.Backend
	ingest  Ingestor
	log     *logrus.Entry
	server  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, backend storage.Backend, ingest Ingestor, log *logrus.Entry) *Server {
	s := &Server{
		config:  cfg,
		backend: backend,
		ingest:  ingest,
		log:     log,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the route table without the listener wrapping.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/dates", s.handleDates)
	mux.HandleFunc("/dates/", s.handleDateByKey)
	mux.HandleFunc("/csv/", s.handleCSVByKey)
	mux.HandleFunc("/admin/crawl", s.handleCrawl)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDates lists the dates with a stored batch, newest first.
func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dates, err := s.backend.ListDates(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list dates failed")
		http.Error(w, "Failed to list dates", http.StatusInternalServerError)
		return
	}
	if dates == nil {
		dates = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dates": dates,
		"count": len(dates),
	})
}

// handleDateByKey reports the stored batch metadata for one date.
func (s *Server) handleDateByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimPrefix(r.URL.Path, "/dates/")
	if date == "" || strings.Contains(date, "/") {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}

	batch, err := s.backend.ReadCurrent(r.Context(), date)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "No batch stored for date", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("date", date).Error("read batch failed")
		http.Error(w, "Failed to read batch", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":        batch.Date,
		"filename":    batch.Filename,
		"row_count":   batch.RowCount,
		"fingerprint": batch.Fingerprint,
		"updated_at":  batch.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// handleCSVByKey streams the stored CSV for one date as a download.
func (s *Server) handleCSVByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimPrefix(r.URL.Path, "/csv/")
	if date == "" || strings.Contains(date, "/") {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}

	content, filename, err := s.backend.GetCSV(r.Context(), date)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "No batch stored for date", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("date", date).Error("read csv failed")
		http.Error(w, "Failed to read CSV", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// handleCrawl triggers one ingestion run. An optional date query
// parameter overrides the claimed source date.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.ingest.TriggerIngestion(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeJSON(w, crawlFailureStatus(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// crawlFailureStatus maps a failed run to a response code: upstream or
// transport trouble is a gateway problem, everything else is ours.
func crawlFailureStatus(err error) int {
	var upstream *fetch.UpstreamError
	var network *fetch.NetworkError
	if errors.As(err, &upstream) || errors.As(err, &network) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
