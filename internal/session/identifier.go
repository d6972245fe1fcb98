package session

import (
	"regexp"
	"strings"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// MaxIDLength bounds sanitized identifiers.
const MaxIDLength = 50

var (
	unsafeChars = regexp.MustCompile(`[^\w-]`)
	dashRuns    = regexp.MustCompile(`-+`)
)

// SanitizeID derives the unit-safe identifier for a session name: characters
// outside [A-Za-z0-9_-] become '-', dash runs collapse, leading and trailing
// dashes are trimmed and the result is truncated to MaxIDLength.
func SanitizeID(name string) (string, error) {
	id := unsafeChars.ReplaceAllString(name, "-")
	id = dashRuns.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	if id == "" {
		return "", serrors.Validationf("session name %q has no identifier-safe characters", name)
	}
	return id, nil
}
