package api

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // "api-key" or "none"
	APIKey string // from env MGMT_API_KEY
}

func isHealthPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware returns a Fiber middleware that validates the Authorization header.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" || isHealthPath(c.Path()) {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
			return c.Next()
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps the error taxonomy to a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, serrors.ErrValidation):
		return problemResponse(c, fiber.StatusBadRequest, "validation_failed", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrInvalidPlatform):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_platform", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrMediaNotFound):
		return problemResponse(c, fiber.StatusNotFound, "media_not_found", "Not Found", err.Error())
	case errors.Is(err, serrors.ErrSessionNotFound):
		return problemResponse(c, fiber.StatusNotFound, "session_not_found", "Not Found", err.Error())
	case errors.Is(err, serrors.ErrScheduleNotFound):
		return problemResponse(c, fiber.StatusNotFound, "schedule_not_found", "Not Found", err.Error())
	case errors.Is(err, serrors.ErrMissingIdentifier):
		return problemResponse(c, fiber.StatusConflict, "missing_identifier", "Conflict", err.Error())
	case errors.Is(err, serrors.ErrNotReady):
		return problemResponse(c, fiber.StatusServiceUnavailable, "not_ready", "Service Unavailable", err.Error())
	case errors.Is(err, serrors.ErrSupervisorFailure):
		return problemResponse(c, fiber.StatusBadGateway, "supervisor_failure", "Bad Gateway", err.Error())
	case errors.Is(err, serrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	default:
		return err
	}
}
