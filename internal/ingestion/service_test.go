package ingestion

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/fetch"
	"github.com/carmarket/auction-ingestion-service/internal/models"
	"github.com/carmarket/auction-ingestion-service/internal/storage"
)

const validCSV = `Post Title,sell_number,car_number,color,fuel,image,km,price,title,trans,year,auction_name,vin,score
2021 Avante CN7,101,12가3456,white,gasoline,,45000,1250,Avante,auto,2021,Seoul,VIN1,A
2019 Sonata DN8,102,34나5678,black,lpg,,98000,890,Sonata,auto,2019,Seoul,VIN2,B
`

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("component", "ingestion")
}

// MockBackend is a mock implementation of the storage.Backend interface
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Exists(ctx context.Context, date string) (bool, error) {
	args := m.Called(ctx, date)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) ReadCurrent(ctx context.Context, date string) (*models.AuctionBatch, error) {
	args := m.Called(ctx, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuctionBatch), args.Error(1)
}

func (m *MockBackend) ReplaceCurrent(ctx context.Context, batch *models.AuctionBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockBackend) AppendHistory(ctx context.Context, batch *models.AuctionBatch, ingestedAt time.Time) error {
	args := m.Called(ctx, batch, ingestedAt)
	return args.Error(0)
}

func (m *MockBackend) GetCSV(ctx context.Context, date string) ([]byte, string, error) {
	args := m.Called(ctx, date)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).([]byte), args.String(1), args.Error(2)
}

func (m *MockBackend) ListDates(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBackend) CurrentFingerprint(ctx context.Context, date string) (string, error) {
	args := m.Called(ctx, date)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

// stubFetcher returns a canned result without any HTTP traffic.
type stubFetcher struct {
	result *fetch.Result
	err    error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	return s.result, s.err
}

func newFSService(t *testing.T, sourceURL string, history bool) (*Service, storage.Backend, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := storage.NewFilesystemBackend(root)
	require.NoError(t, err)

	cache := fetch.NewValidatorCache(filepath.Join(root, ".crawl_cache.json"))
	fetcher := fetch.NewFetcher(5*time.Second, "test/1.0", cache, testLogger())

	cfg := config.CrawlConfig{SourceURL: sourceURL}
	svc := NewService(cfg, fetcher, backend, history, testLogger())
	return svc, backend, root
}

func historyEntryCount(t *testing.T, root string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, "history"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestTriggerIngestion_StoresBatchUnderBusinessDate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validCSV))
	}))
	defer server.Close()

	svc, backend, _ := newFSService(t, server.URL, false)
	ctx := context.Background()

	// A Friday claim files under the following Monday.
	res, err := svc.TriggerIngestion(ctx, "250905")
	require.NoError(t, err)

	assert.Equal(t, OutcomeIngested, res.Outcome)
	assert.Equal(t, "250905", res.ClaimedDate)
	assert.Equal(t, "250908", res.StorageDate)
	assert.Equal(t, 2, res.RowCount)
	assert.Empty(t, res.Warnings)

	batch, err := backend.ReadCurrent(ctx, "250908")
	require.NoError(t, err)
	assert.Equal(t, []byte(validCSV), batch.Content)
	assert.Equal(t, 2, batch.RowCount)
	assert.Equal(t, models.ContentFingerprint([]byte(validCSV)), batch.Fingerprint)
}

func TestTriggerIngestion_SecondCallSkippedVia304(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(validCSV))
	}))
	defer server.Close()

	svc, backend, _ := newFSService(t, server.URL, false)
	ctx := context.Background()

	first, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)
	require.Equal(t, OutcomeIngested, first.Outcome)

	stored, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)

	second, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)

	// The skip path never touches storage.
	after, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)
	assert.Equal(t, stored.Fingerprint, after.Fingerprint)
	assert.True(t, stored.UpdatedAt.Equal(after.UpdatedAt))
}

func TestTriggerIngestion_FingerprintGatesFullResponses(t *testing.T) {
	// No validators, so every fetch is a full 200 with identical bytes.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validCSV))
	}))
	defer server.Close()

	svc, backend, root := newFSService(t, server.URL, true)
	ctx := context.Background()

	first, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)
	require.Equal(t, OutcomeIngested, first.Outcome)
	require.Equal(t, 1, historyEntryCount(t, root))

	stored, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)

	second, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, second.Outcome)
	assert.Equal(t, stored.Fingerprint, second.Fingerprint)

	// No second history entry, stored batch untouched.
	assert.Equal(t, 1, historyEntryCount(t, root))
	after, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(after.UpdatedAt))
}

func TestTriggerIngestion_ChangedContentAppendsHistory(t *testing.T) {
	content := validCSV
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	svc, _, root := newFSService(t, server.URL, true)
	ctx := context.Background()

	_, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	content = validCSV + "2018 K5,103,56다7890,grey,diesel,,120000,740,K5,auto,2018,Busan,VIN3,C\n"
	res, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	assert.Equal(t, OutcomeIngested, res.Outcome)
	assert.Equal(t, 3, res.RowCount)
	assert.Equal(t, 2, historyEntryCount(t, root))
}

func TestTriggerIngestion_HistoryDisabled(t *testing.T) {
	content := validCSV
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	svc, _, root := newFSService(t, server.URL, false)
	ctx := context.Background()

	_, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	content = validCSV + "2018 K5,103,56다7890,grey,diesel,,120000,740,K5,auto,2018,Busan,VIN3,C\n"
	_, err = svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	assert.Equal(t, 0, historyEntryCount(t, root))
}

func TestTriggerIngestion_MalformedRowsAreWarnings(t *testing.T) {
	csv := validCSV + "broken,row\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	}))
	defer server.Close()

	svc, backend, _ := newFSService(t, server.URL, false)
	ctx := context.Background()

	res, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	assert.Equal(t, OutcomeIngested, res.Outcome)
	assert.Equal(t, 2, res.RowCount)
	require.Len(t, res.Warnings, 1)

	batch, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.RowCount)
}

func TestTriggerIngestion_ZeroValidRowsIsFatal(t *testing.T) {
	content := validCSV
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	svc, backend, _ := newFSService(t, server.URL, false)
	ctx := context.Background()

	_, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	// Header only. Zero recoverable rows must never replace a good batch.
	content = "Post Title,sell_number,car_number,color,fuel,image,km,price,title,trans,year,auction_name,vin,score\n"
	res, err := svc.TriggerIngestion(ctx, "250903")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.NotEmpty(t, res.Error)

	batch, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)
	assert.Equal(t, []byte(validCSV), batch.Content)
}

func TestTriggerIngestion_UpstreamErrorFailsAttempt(t *testing.T) {
	fetcher := &stubFetcher{err: &fetch.UpstreamError{URL: "http://src", Status: http.StatusBadGateway}}
	backend := new(MockBackend)

	svc := NewService(config.CrawlConfig{SourceURL: "http://src"}, fetcher, backend, false, testLogger())
	res, err := svc.TriggerIngestion(context.Background(), "250903")

	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	var upstream *fetch.UpstreamError
	assert.ErrorAs(t, err, &upstream)
	backend.AssertNotCalled(t, "ReplaceCurrent", mock.Anything, mock.Anything)
}

func TestTriggerIngestion_WriteErrorSurfaced(t *testing.T) {
	fetcher := &stubFetcher{result: &fetch.Result{Status: http.StatusOK, Content: []byte(validCSV)}}
	backend := new(MockBackend)
	backend.On("CurrentFingerprint", mock.Anything, "250904").Return("", nil)
	writeErr := &storage.WriteError{Backend: "filesystem", Date: "250904", Err: assert.AnError}
	backend.On("ReplaceCurrent", mock.Anything, mock.AnythingOfType("*models.AuctionBatch")).Return(writeErr)

	svc := NewService(config.CrawlConfig{SourceURL: "http://src"}, fetcher, backend, false, testLogger())
	res, err := svc.TriggerIngestion(context.Background(), "250903")

	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	var we *storage.WriteError
	assert.ErrorAs(t, err, &we)
	backend.AssertExpectations(t)
}

func TestTriggerIngestion_HistoryFailureDoesNotRollBack(t *testing.T) {
	fetcher := &stubFetcher{result: &fetch.Result{Status: http.StatusOK, Content: []byte(validCSV)}}
	backend := new(MockBackend)
	backend.On("CurrentFingerprint", mock.Anything, "250904").Return("", nil)
	backend.On("ReplaceCurrent", mock.Anything, mock.AnythingOfType("*models.AuctionBatch")).Return(nil)
	historyErr := &storage.WriteError{Backend: "filesystem", Date: "250904", Err: assert.AnError}
	backend.On("AppendHistory", mock.Anything, mock.AnythingOfType("*models.AuctionBatch"), mock.AnythingOfType("time.Time")).Return(historyErr)

	svc := NewService(config.CrawlConfig{SourceURL: "http://src"}, fetcher, backend, true, testLogger())
	res, err := svc.TriggerIngestion(context.Background(), "250903")

	require.NoError(t, err)
	assert.Equal(t, OutcomeIngested, res.Outcome)
	assert.NotEmpty(t, res.HistoryError)
	backend.AssertExpectations(t)
}

func TestTriggerIngestion_RowCountDropOnlyWarns(t *testing.T) {
	content := validCSV + "2018 K5,103,56다7890,grey,diesel,,120000,740,K5,auto,2018,Busan,VIN3,C\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	svc, backend, _ := newFSService(t, server.URL, false)
	ctx := context.Background()

	_, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	content = validCSV // two rows instead of three
	res, err := svc.TriggerIngestion(ctx, "250903")
	require.NoError(t, err)

	// The shrunken batch still replaces the stored one.
	assert.Equal(t, OutcomeIngested, res.Outcome)
	batch, err := backend.ReadCurrent(ctx, "250904")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.RowCount)
}

func TestTriggerIngestion_InvalidDateOverride(t *testing.T) {
	fetcher := &stubFetcher{result: &fetch.Result{Status: http.StatusOK, Content: []byte(validCSV)}}
	backend := new(MockBackend)

	svc := NewService(config.CrawlConfig{SourceURL: "http://src"}, fetcher, backend, false, testLogger())
	res, err := svc.TriggerIngestion(context.Background(), "not-a-date")

	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	backend.AssertNotCalled(t, "ReplaceCurrent", mock.Anything, mock.Anything)
}
