package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Source fetches raw bytes from an upstream changeset location. The store
// treats transport as a collaborator; sources only move bytes and classify
// failures as retryable or fatal.
type Source interface {
	// Manifest fetches the metadata document for a hardware model.
	Manifest(ctx context.Context, model string) ([]byte, error)

	// Object opens the payload at the given URL for streaming.
	Object(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// httpSource fetches manifests and payloads over plain HTTPS.
type httpSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource serves manifests from base + "/<model>.json" and payloads
// from absolute URLs.
func NewHTTPSource(base string) Source {
	return &httpSource{
		base: strings.TrimRight(base, "/"),
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (s *httpSource) Manifest(ctx context.Context, model string) ([]byte, error) {
	u := s.base + "/" + url.PathEscape(model) + ".json"
	rc, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &FetchError{URL: u, Retryable: true, Err: err}
	}
	return data, nil
}

func (s *httpSource) Object(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return s.get(ctx, rawURL)
}

func (s *httpSource) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{URL: u, Retryable: false, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Connection-level failures are worth another attempt.
		return nil, &FetchError{URL: u, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, &FetchError{URL: u, Retryable: true, Err: fmt.Errorf("upstream returned %s", resp.Status)}
	default:
		resp.Body.Close()
		return nil, &FetchError{URL: u, Retryable: false, Err: fmt.Errorf("upstream returned %s", resp.Status)}
	}
}
