// Package store implements the changeset store: it discovers which firmware
// changeset is current for a hardware model, downloads the payloads into a
// content-addressed cache, and verifies them before anything is flashed.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fleetfw.io/fleetfw/internal/pkg/metrics"
	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// SupportedModels is the built-in set of hardware models this service will
// update. Matching is exact-string; no pattern inference.
var SupportedModels = []string{
	"aria1",
	"aria2",
	"aria3",
	"cobalt1",
	"cobalt2",
	"halcyon1",
	"halcyon2",
	"halcyon3",
	"meridian1",
	"meridian2",
}

// Store ties a Source to the on-disk Cache and applies the retry policy:
// bounded linear backoff for retryable fetch failures, never for digest
// mismatches.
type Store struct {
	src    Source
	cache  *Cache
	opts   *options.StoreOptions
	models map[string]struct{}
	logger log.Logger
}

// New builds a Store from configuration. The source implementation is chosen
// by the manifest URL scheme.
func New(opts *options.StoreOptions, s3opts *options.S3Options) (*Store, error) {
	var src Source
	var err error
	switch {
	case strings.HasPrefix(opts.ManifestURL, "s3://"):
		src, err = NewS3Source(opts.ManifestURL, s3opts)
	case strings.HasPrefix(opts.ManifestURL, "http://"), strings.HasPrefix(opts.ManifestURL, "https://"):
		src = NewHTTPSource(opts.ManifestURL)
	default:
		err = fmt.Errorf("unsupported manifest url scheme: %q", opts.ManifestURL)
	}
	if err != nil {
		return nil, err
	}

	return NewWithSource(src, opts)
}

// NewWithSource builds a Store around an explicit source.
func NewWithSource(src Source, opts *options.StoreOptions) (*Store, error) {
	cache, err := NewCache(opts.CacheDir)
	if err != nil {
		return nil, err
	}

	names := opts.Models
	if len(names) == 0 {
		names = SupportedModels
	}
	models := make(map[string]struct{}, len(names))
	for _, m := range names {
		models[m] = struct{}{}
	}

	return &Store{
		src:    src,
		cache:  cache,
		opts:   opts,
		models: models,
		logger: log.WithName("store"),
	}, nil
}

// Supported reports whether model is in the supported set.
func (s *Store) Supported(model string) bool {
	_, ok := s.models[model]
	return ok
}

// Check returns the current manifest for model, from the local manifest cache
// when fresh, otherwise from upstream with bounded retry.
func (s *Store) Check(ctx context.Context, model string) (*Manifest, error) {
	if !s.Supported(model) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}

	if data, ok := s.cache.ReadManifest(model, s.opts.ManifestMaxAge); ok {
		if m, err := ParseManifest(data); err == nil {
			s.logger.Debug("using cached manifest", "model", model, "version", m.Version)
			return m, nil
		}
		// A cached manifest that no longer parses is discarded, not trusted.
		s.cache.DropManifest(model)
	}

	var data []byte
	err := s.withRetry(ctx, "manifest", func() error {
		var err error
		data, err = s.src.Manifest(ctx, model)
		return err
	})
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := s.cache.WriteManifest(model, data); err != nil {
		s.logger.Warn("failed to cache manifest", "model", model, err)
	}
	return m, nil
}

// Fetch downloads every payload the manifest references into the cache and
// returns the assembled changeset. Payloads already cached under their digest
// are not downloaded again.
func (s *Store) Fetch(ctx context.Context, m *Manifest) (*Changeset, error) {
	cs := &Changeset{Manifest: *m}

	for _, ref := range m.Images {
		if s.cache.HasObject(ref.Digest) {
			s.logger.Debug("payload already cached", "digest", ref.Digest)
			cs.Images = append(cs.Images, FirmwareImage{Ref: ref, Path: s.cache.ObjectPath(ref.Digest)})
			continue
		}

		var path string
		err := s.withRetry(ctx, ref.URL, func() error {
			rc, err := s.src.Object(ctx, ref.URL)
			if err != nil {
				return err
			}
			defer rc.Close()

			path, err = s.cache.PutObject(ref.Digest, ref.URL, rc)
			return err
		})
		if err != nil {
			return nil, err
		}

		s.logger.Info("downloaded firmware payload", "url", ref.URL, "digest", ref.Digest)
		cs.Images = append(cs.Images, FirmwareImage{Ref: ref, Path: path})
	}

	return cs, nil
}

// Verify recomputes the digest of every cached payload in the changeset.
// A mismatching entry is deleted before the error is returned; the caller
// decides whether a fresh fetch is warranted.
func (s *Store) Verify(cs *Changeset) error {
	for _, img := range cs.Images {
		if err := s.cache.VerifyObject(img.Ref.Digest); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes the changeset's payloads and manifest from the cache,
// forcing the next Check/Fetch to go upstream.
func (s *Store) Invalidate(cs *Changeset) {
	for _, img := range cs.Images {
		if err := s.cache.DeleteObject(img.Ref.Digest); err != nil {
			s.logger.Warn("failed to drop cached payload", "digest", img.Ref.Digest, err)
		}
	}
	s.cache.DropManifest(cs.Manifest.Model)
}

// Open streams a verified payload from the cache.
func (s *Store) Open(img FirmwareImage) (io.ReadCloser, int64, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open cached payload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// withRetry runs op with the configured attempt budget and linear backoff.
// Only retryable fetch errors are re-attempted; digest mismatches and fatal
// errors are returned immediately.
func (s *Store) withRetry(ctx context.Context, what string, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{interval: s.opts.FetchBackoff}, uint64(s.opts.FetchAttempts-1)),
		ctx,
	)

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetriesTotal.Inc()
		s.logger.Warn("fetch attempt failed, retrying", "target", what, "wait", wait, err)
	}

	if err := backoff.RetryNotify(wrapped, b, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

// linearBackOff waits interval, 2*interval, 3*interval, ... between attempts.
type linearBackOff struct {
	interval time.Duration
	n        int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.interval
}

func (b *linearBackOff) Reset() { b.n = 0 }
