// Package fetch performs conditional retrieval of the source CSV,
// carrying the validators recorded by previous fetches so unchanged
// upstream content costs a 304 instead of a transfer.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// NetworkError reports a transport-level failure. The attempt may be
// retried by the caller.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError reports an unexpected response status. It is fatal for
// the current attempt.
type UpstreamError struct {
	URL    string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.Status, e.URL)
}

// Result is the outcome of one conditional fetch. Unchanged means the
// server revalidated the cached copy and no content was transferred.
type Result struct {
	Unchanged bool
	Status    int
	Content   []byte
}

// Fetcher issues conditional GETs against a source URL using the
// validators held by a ValidatorCache.
type Fetcher struct {
	client *resty.Client
	cache  *ValidatorCache
	log    *logrus.Entry
}

// NewFetcher builds a fetcher with the given request timeout.
func NewFetcher(timeout time.Duration, userAgent string, cache *ValidatorCache, log *logrus.Entry) *Fetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)
	return &Fetcher{client: client, cache: cache, log: log}
}

// Fetch retrieves url, sending If-None-Match / If-Modified-Since from the
// cached validators. A 304 yields Unchanged without touching cache state;
// a 200 returns the body and commits the fresh validators only after the
// body has been fully read, so a failed read keeps the prior baseline.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req := f.client.R().SetContext(ctx)
	if v, ok := f.cache.Get(url); ok {
		if v.ETag != "" {
			req.SetHeader("If-None-Match", v.ETag)
		}
		if v.LastModified != "" {
			req.SetHeader("If-Modified-Since", v.LastModified)
		}
	}

	f.log.WithField("url", url).Info("fetching source")
	resp, err := req.Get(url)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	switch resp.StatusCode() {
	case http.StatusNotModified:
		f.log.WithField("url", url).Info("source not modified")
		return &Result{Unchanged: true, Status: http.StatusNotModified}, nil
	case http.StatusOK:
		content := resp.Body()
		v := Validators{
			ETag:         resp.Header().Get("ETag"),
			LastModified: resp.Header().Get("Last-Modified"),
			SavedAt:      time.Now().UTC(),
		}
		if err := f.cache.Set(url, v); err != nil {
			// Stale validators only cost a redundant refetch next time.
			f.log.WithError(err).Warn("failed to persist validators")
		}
		f.log.WithFields(logrus.Fields{"url": url, "bytes": len(content)}).Info("source fetched")
		return &Result{Status: http.StatusOK, Content: content}, nil
	default:
		return nil, &UpstreamError{URL: url, Status: resp.StatusCode()}
	}
}
