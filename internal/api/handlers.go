package api

import (
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/health"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/reconciler"
	"github.com/p-blackswan/streamhib/internal/scheduler"
	"github.com/p-blackswan/streamhib/internal/session"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions   *session.Manager
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	checker    *health.Checker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	startTime  time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sessions *session.Manager, sched *scheduler.Scheduler, rec *reconciler.Reconciler,
	checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions:   sessions,
		scheduler:  sched,
		reconciler: rec,
		checker:    checker,
		metrics:    m,
		logger:     logger.With().Str("component", "handlers").Logger(),
		startTime:  time.Now(),
	}
}

// nameParam returns the unescaped :name route parameter.
func nameParam(c *fiber.Ctx) string {
	raw := c.Params("name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

// fail counts err by class and writes its problem response.
func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	if serrors.IsClientError(err) {
		h.metrics.RecordError("api", "client")
	} else {
		h.metrics.RecordError("api", "server")
		h.logger.Warn().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return errorResponse(c, err)
}

func invalidBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	status := models.SessionStatus(c.Query("status", string(models.StatusActive)))
	if status == "all" {
		status = ""
	} else if status != models.StatusActive && status != models.StatusInactive {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_status", "Bad Request",
			"status must be active, inactive or all")
	}

	sessions, err := h.sessions.ListSessions(c.UserContext(), status)
	if err != nil {
		return h.fail(c, err)
	}
	label := string(status)
	if label == "" {
		label = "all"
	}
	return c.JSON(SessionListResponse{Status: label, Sessions: sessions, Total: len(sessions)})
}

// GetSession handles GET /api/v1/sessions/:name.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	sess, err := h.sessions.GetSession(c.UserContext(), nameParam(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(SessionResponse{Session: sess})
}

// StartSession handles POST /api/v1/sessions.
func (h *Handlers) StartSession(c *fiber.Ctx) error {
	var req session.StartRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	sess, err := h.sessions.StartSession(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{Session: sess})
}

// StopSession handles POST /api/v1/sessions/:name/stop.
func (h *Handlers) StopSession(c *fiber.Ctx) error {
	sess, err := h.sessions.StopSession(c.UserContext(), nameParam(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(SessionResponse{Session: sess})
}

// ReactivateSession handles POST /api/v1/sessions/:name/reactivate.
func (h *Handlers) ReactivateSession(c *fiber.Ctx) error {
	var req ReactivateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c, err)
		}
	}
	sess, err := h.sessions.ReactivateSession(c.UserContext(), nameParam(c), req.Platform)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(SessionResponse{Session: sess})
}

// EditSession handles PATCH /api/v1/sessions/:name.
func (h *Handlers) EditSession(c *fiber.Ctx) error {
	var req session.EditRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	sess, err := h.sessions.EditInactive(c.UserContext(), nameParam(c), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(SessionResponse{Session: sess})
}

// DeleteSession handles DELETE /api/v1/sessions/:name.
func (h *Handlers) DeleteSession(c *fiber.Ctx) error {
	if err := h.sessions.DeleteInactive(c.UserContext(), nameParam(c)); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteAllInactive handles DELETE /api/v1/inactive-sessions.
func (h *Handlers) DeleteAllInactive(c *fiber.Ctx) error {
	n, err := h.sessions.DeleteAllInactive(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(DeletedResponse{Deleted: n})
}

// SessionLogs handles GET /api/v1/sessions/:name/logs.
func (h *Handlers) SessionLogs(c *fiber.Ctx) error {
	lines := c.QueryInt("lines", 50)
	if lines < 1 || lines > 5000 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_lines", "Bad Request",
			"lines must be between 1 and 5000")
	}
	name := nameParam(c)
	logs, err := h.sessions.UnitLogs(c.UserContext(), name, lines)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(LogsResponse{Session: name, Lines: lines, Logs: logs})
}

// ListPlatforms handles GET /api/v1/platforms.
func (h *Handlers) ListPlatforms(c *fiber.Ctx) error {
	return c.JSON(PlatformsResponse{Platforms: h.sessions.Platforms()})
}

// ListSchedules handles GET /api/v1/schedules.
func (h *Handlers) ListSchedules(c *fiber.Ctx) error {
	defs, err := h.scheduler.ListSchedules(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ScheduleListResponse{Schedules: defs, Total: len(defs)})
}

// CreateSchedule handles POST /api/v1/schedules.
func (h *Handlers) CreateSchedule(c *fiber.Ctx) error {
	var req scheduler.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	def, err := h.scheduler.CreateSchedule(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ScheduleResponse{Schedule: def})
}

// CancelSchedule handles DELETE /api/v1/schedules/:id.
func (h *Handlers) CancelSchedule(c *fiber.Ctx) error {
	def, err := h.scheduler.CancelSchedule(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ScheduleResponse{Schedule: def})
}

// ListTriggers handles GET /api/v1/triggers.
func (h *Handlers) ListTriggers(c *fiber.Ctx) error {
	return c.JSON(TriggerListResponse{Triggers: h.scheduler.Triggers()})
}

// CleanupOrphans handles POST /api/v1/cleanup/orphans.
func (h *Handlers) CleanupOrphans(c *fiber.Ctx) error {
	report, err := h.reconciler.CleanupOrphans(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if report.Skipped {
		return c.Status(fiber.StatusConflict).JSON(report)
	}
	return c.JSON(report)
}

// Reconcile handles POST /api/v1/reconcile.
func (h *Handlers) Reconcile(c *fiber.Ctx) error {
	report, err := h.reconciler.Reconcile(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if report.Skipped {
		return c.Status(fiber.StatusConflict).JSON(report)
	}
	return c.JSON(report)
}

// HealthCheck handles POST /api/v1/health-check.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	report, err := h.reconciler.RunHealthCheck(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if report.Skipped {
		return c.Status(fiber.StatusConflict).JSON(report)
	}
	return c.JSON(report)
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.UserContext())

	checks := make(map[string]string, len(results))
	for name, status := range results {
		checks[name] = string(status)
	}

	return c.JSON(HealthDetailResponse{
		Status:    string(health.Overall(results)),
		Checks:    checks,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		SweepBusy: h.reconciler.Busy(),
		CheckedAt: time.Now().UTC(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	checks, ready := h.checker.Ready(c.UserContext())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}
