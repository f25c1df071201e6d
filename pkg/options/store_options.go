package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// StoreOptions contains configuration for the changeset store: where firmware
// metadata comes from and where verified payloads are cached.
type StoreOptions struct {
	// ManifestURL is the upstream changeset source. Supported schemes are
	// http(s):// and s3:// (the latter resolved through the S3 options).
	ManifestURL string `json:"manifest-url" mapstructure:"manifest-url"`

	// CacheDir is the root of the on-disk content-addressed cache.
	CacheDir string `json:"cache-dir" mapstructure:"cache-dir"`

	// ManifestMaxAge is how long a cached manifest is trusted before the
	// upstream is consulted again.
	ManifestMaxAge time.Duration `json:"manifest-max-age" mapstructure:"manifest-max-age"`

	// FetchAttempts is the number of attempts for a retryable fetch failure.
	FetchAttempts int `json:"fetch-attempts" mapstructure:"fetch-attempts"`

	// FetchBackoff is the base interval of the linear backoff between attempts.
	FetchBackoff time.Duration `json:"fetch-backoff" mapstructure:"fetch-backoff"`

	// Models restricts updates to the listed hardware models. An empty list
	// falls back to the built-in supported-model set.
	Models []string `json:"models" mapstructure:"models"`
}

// NewStoreOptions creates a StoreOptions object with default parameters.
func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		ManifestURL:    "https://firmware.fleetfw.io/manifests",
		CacheDir:       "/var/cache/fleetfw",
		ManifestMaxAge: 24 * time.Hour,
		FetchAttempts:  3,
		FetchBackoff:   2 * time.Second,
	}
}

func (o *StoreOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.ManifestURL == "" {
		errors = append(errors, fmt.Errorf("store.manifest-url must not be empty"))
	}
	if err := ValidateAbsPath("store.cache-dir", o.CacheDir); err != nil {
		errors = append(errors, err)
	}
	if o.FetchAttempts < 1 {
		errors = append(errors, fmt.Errorf("store.fetch-attempts must be >= 1, got %d", o.FetchAttempts))
	}

	return errors
}

// AddFlags adds flags related to the changeset store to the specified FlagSet.
func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.ManifestURL, "store.manifest-url", o.ManifestURL, "Upstream changeset source (http(s):// or s3://).")
	fs.StringVar(&o.CacheDir, "store.cache-dir", o.CacheDir, "Root directory of the firmware payload cache.")
	fs.DurationVar(&o.ManifestMaxAge, "store.manifest-max-age", o.ManifestMaxAge, "How long a cached manifest is trusted before re-fetching.")
	fs.IntVar(&o.FetchAttempts, "store.fetch-attempts", o.FetchAttempts, "Attempts for retryable fetch failures.")
	fs.DurationVar(&o.FetchBackoff, "store.fetch-backoff", o.FetchBackoff, "Base interval of the linear backoff between fetch attempts.")
	fs.StringSliceVar(&o.Models, "store.models", o.Models, "Override of the supported hardware model list.")
}
