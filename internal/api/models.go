// Package api provides the management HTTP API for sessions, schedules and
// reconciliation sweeps.
package api

import (
	"time"

	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/scheduler"
)

// --- Request DTOs ---

// ReactivateRequest is the payload for POST /api/v1/sessions/:name/reactivate.
type ReactivateRequest struct {
	Platform string `json:"platform,omitempty"`
}

// --- Response DTOs ---

// SessionResponse wraps a Session.
type SessionResponse struct {
	Session *models.Session `json:"session"`
}

// SessionListResponse wraps a list of sessions.
type SessionListResponse struct {
	Status   string            `json:"status"`
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// ScheduleResponse wraps a schedule definition.
type ScheduleResponse struct {
	Schedule *models.ScheduleDefinition `json:"schedule"`
}

// ScheduleListResponse wraps a list of schedule definitions.
type ScheduleListResponse struct {
	Schedules []*models.ScheduleDefinition `json:"schedules"`
	Total     int                          `json:"total"`
}

// TriggerListResponse lists armed triggers.
type TriggerListResponse struct {
	Triggers []scheduler.TriggerInfo `json:"triggers"`
}

// DeletedResponse reports how many records were removed.
type DeletedResponse struct {
	Deleted int `json:"deleted"`
}

// LogsResponse carries recent unit output.
type LogsResponse struct {
	Session string `json:"session"`
	Lines   int    `json:"lines"`
	Logs    string `json:"logs"`
}

// PlatformsResponse lists the configured destination platforms.
type PlatformsResponse struct {
	Platforms map[string]string `json:"platforms"`
}

// HealthDetailResponse is the response for GET /api/v1/health.
type HealthDetailResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Uptime    string            `json:"uptime"`
	SweepBusy bool              `json:"sweep_busy"`
	CheckedAt time.Time         `json:"checked_at"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
