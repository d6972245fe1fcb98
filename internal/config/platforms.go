package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// Platforms maps a destination platform name to its base ingest URL.
type Platforms map[string]string

// DefaultPlatforms returns the built-in catalog.
func DefaultPlatforms() Platforms {
	return Platforms{
		"YouTube":  "rtmp://a.rtmp.youtube.com/live2",
		"Facebook": "rtmps://live-api-s.facebook.com:443/rtmp",
	}
}

type platformFile struct {
	Platforms []struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"platforms"`
}

// LoadPlatforms returns the built-in catalog extended (or overridden) by the
// YAML file at path. An empty path returns the defaults.
func LoadPlatforms(path string) (Platforms, error) {
	p := DefaultPlatforms()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading platforms file: %w", err)
	}
	var f platformFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing platforms file: %w", err)
	}
	for _, entry := range f.Platforms {
		name := strings.TrimSpace(entry.Name)
		url := strings.TrimRight(strings.TrimSpace(entry.BaseURL), "/")
		if name == "" || url == "" {
			return nil, fmt.Errorf("platforms file %s: entry needs name and base_url", path)
		}
		p[name] = url
	}
	return p, nil
}

// Endpoint returns baseURL(platform) + "/" + credential.
func (p Platforms) Endpoint(platform, credential string) (string, error) {
	base, ok := p[platform]
	if !ok {
		return "", fmt.Errorf("%w: %q", serrors.ErrInvalidPlatform, platform)
	}
	return base + "/" + credential, nil
}

// Has reports whether platform is in the catalog.
func (p Platforms) Has(platform string) bool {
	_, ok := p[platform]
	return ok
}

// Names returns the catalog's platform names in sorted order.
func (p Platforms) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
