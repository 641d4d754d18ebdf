// Package intercept implements the network interception cache: a
// versioned set of cached GET responses and the per-route policy that
// decides between cache and network.
package intercept

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Manifest is the fixed list of assets pre-cached when a generation is
// installed.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Assets      []string `json:"assets"`
	OfflinePage string   `json:"offline_page,omitempty"`
}

// DefaultManifest is used when no manifest file is configured.
func DefaultManifest() Manifest {
	return Manifest{
		Name:    "fieldsync",
		Version: "1.0.0",
		Assets: []string{
			"/",
			"/static/css/style.css",
			"/static/js/main.js",
			"/static/manifest.json",
			"/static/icons/icon-192x192.png",
			"/static/icons/icon-512x512.png",
		},
		OfflinePage: "/offline/",
	}
}

// LoadManifest reads a manifest from a JSON file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

func (m Manifest) Validate() error {
	if m.Name == "" || m.Version == "" {
		return errors.New("name and version are required")
	}
	for _, a := range m.AllAssets() {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("asset %q must be an absolute path", a)
		}
	}
	return nil
}

// AllAssets returns the assets plus the offline page, deduplicated and sorted.
func (m Manifest) AllAssets() []string {
	seen := make(map[string]bool, len(m.Assets)+1)
	var out []string
	for _, a := range append(append([]string{}, m.Assets...), m.OfflinePage) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Tag names the cache generation for this manifest. Any change to the
// version or the asset list yields a different tag.
func (m Manifest) Tag() string {
	h := sha256.New()
	for _, a := range m.AllAssets() {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s-%s-%s", m.Name, m.Version, hex.EncodeToString(h.Sum(nil))[:12])
}
