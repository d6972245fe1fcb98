package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// MediaResolver maps a media reference to a readable file path.
type MediaResolver interface {
	Resolve(media string) (string, error)
}

// DirResolver resolves media names relative to a media directory.
type DirResolver struct {
	Dir string
}

// Resolve returns the absolute path of media. Relative references may not
// escape Dir.
func (r DirResolver) Resolve(media string) (string, error) {
	if strings.TrimSpace(media) == "" {
		return "", serrors.Validationf("media is required")
	}

	path := media
	if !filepath.IsAbs(media) {
		path = filepath.Join(r.Dir, media)
		rel, err := filepath.Rel(r.Dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", serrors.Validationf("media %q is outside the media directory", media)
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", serrors.ErrMediaNotFound, media)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not readable", serrors.ErrMediaNotFound, media)
	}
	f.Close()
	return path, nil
}
