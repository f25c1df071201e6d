package store

import (
	"encoding/json"
	"fmt"
)

// ImageRef describes one firmware payload referenced by a manifest. The
// digest is a lowercase hex sha256 over the exact payload bytes.
type ImageRef struct {
	// Device is the vendor:product signature the image targets, e.g. "3384:0001".
	Device string `json:"device"`

	// Version is the firmware revision the image installs. Compared as an
	// exact string, never parsed.
	Version string `json:"version"`

	Digest string `json:"digest"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
}

// Manifest is the upstream metadata document for one hardware model: which
// changeset version is current and where its payloads live.
type Manifest struct {
	Model   string     `json:"model"`
	Version string     `json:"version"`
	Images  []ImageRef `json:"images"`
}

// ParseManifest decodes and sanity-checks a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if m.Model == "" || m.Version == "" {
		return nil, fmt.Errorf("manifest missing model or version")
	}
	if len(m.Images) == 0 {
		return nil, fmt.Errorf("manifest for %s declares no images", m.Model)
	}
	for i, img := range m.Images {
		if img.Digest == "" || img.URL == "" {
			return nil, fmt.Errorf("manifest image %d missing digest or url", i)
		}
	}
	return &m, nil
}

// FirmwareImage is a payload that has been downloaded into the cache. The
// bytes at Path are content-addressed by Ref.Digest and never mutated.
type FirmwareImage struct {
	Ref  ImageRef
	Path string
}

// Changeset is a downloaded firmware bundle for one model. It is treated as
// immutable once Verify succeeds.
type Changeset struct {
	Manifest Manifest
	Images   []FirmwareImage
}
