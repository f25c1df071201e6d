package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Cache is the on-disk content-addressed store for firmware payloads plus a
// small mtime-gated manifest cache. Object files are named by their sha256
// and are immutable once written.
type Cache struct {
	dir string
}

// NewCache creates the cache layout under dir.
func NewCache(dir string) (*Cache, error) {
	for _, sub := range []string{"objects", "manifests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &Cache{dir: dir}, nil
}

// ObjectPath returns where the payload with the given digest lives. The file
// may not exist yet.
func (c *Cache) ObjectPath(digest string) string {
	return filepath.Join(c.dir, "objects", digest)
}

// HasObject reports whether a payload with the given digest is cached.
func (c *Cache) HasObject(digest string) bool {
	_, err := os.Stat(c.ObjectPath(digest))
	return err == nil
}

// PutObject streams r into the cache under the declared digest, hashing as it
// copies. A digest mismatch removes the partial file and returns a
// VerifyError; nothing with a wrong digest ever lands under objects/.
func (c *Cache) PutObject(declared, url string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.dir, "objects"), ".partial-*")
	if err != nil {
		return "", &FetchError{URL: url, Retryable: true, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", &FetchError{URL: url, Retryable: true, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &FetchError{URL: url, Retryable: true, Err: err}
	}

	computed := hex.EncodeToString(h.Sum(nil))
	if computed != declared {
		return "", &VerifyError{URL: url, Declared: declared, Computed: computed}
	}

	path := c.ObjectPath(declared)
	if err := os.Rename(tmpName, path); err != nil {
		return "", &FetchError{URL: url, Retryable: true, Err: err}
	}
	return path, nil
}

// VerifyObject recomputes the digest of a cached payload. On mismatch the
// entry is deleted before the error is returned; a corrupted cache entry is
// never left in place to be trusted later.
func (c *Cache) VerifyObject(digest string) error {
	path := c.ObjectPath(digest)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cached object: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to read cached object: %w", err)
	}

	computed := hex.EncodeToString(h.Sum(nil))
	if computed != digest {
		os.Remove(path)
		return &VerifyError{URL: path, Declared: digest, Computed: computed}
	}
	return nil
}

// DeleteObject removes a cached payload.
func (c *Cache) DeleteObject(digest string) error {
	err := os.Remove(c.ObjectPath(digest))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *Cache) manifestPath(model string) string {
	return filepath.Join(c.dir, "manifests", model+".json")
}

// ReadManifest returns a cached manifest document if one exists and its
// mtime is within maxAge.
func (c *Cache) ReadManifest(model string, maxAge time.Duration) ([]byte, bool) {
	path := c.manifestPath(model)
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > maxAge {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// WriteManifest persists a manifest document for later mtime-gated reuse.
func (c *Cache) WriteManifest(model string, data []byte) error {
	return os.WriteFile(c.manifestPath(model), data, 0o644)
}

// DropManifest forgets the cached manifest for model.
func (c *Cache) DropManifest(model string) {
	os.Remove(c.manifestPath(model))
}
