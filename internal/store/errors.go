package store

import (
	"errors"
	"fmt"
)

// ErrDigestMismatch is wrapped by every VerifyError so callers can test with
// errors.Is without caring which image failed.
var ErrDigestMismatch = errors.New("digest mismatch")

// ErrUnsupportedModel is returned for models outside the supported set.
var ErrUnsupportedModel = errors.New("unsupported hardware model")

// FetchError wraps a network or storage failure during manifest or payload
// retrieval. Retryable failures may be re-attempted a bounded number of
// times; fatal ones surface immediately.
type FetchError struct {
	URL       string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a FetchError marked retryable.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

// VerifyError reports a digest mismatch on a cached payload. The cache entry
// has already been deleted by the time this is returned.
type VerifyError struct {
	URL      string
	Declared string
	Computed string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: declared digest %s, computed %s", e.URL, e.Declared, e.Computed)
}

func (e *VerifyError) Unwrap() error { return ErrDigestMismatch }
