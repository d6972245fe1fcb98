// Package models holds the session and schedule records shared by the store,
// the lifecycle manager, the scheduler and the health reconciler.
package models

import "time"

// SessionStatus is the lifecycle state of a Session record.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusInactive SessionStatus = "inactive"
)

// Origin tags how a session came to be active (or inactive, for force stops).
type Origin string

const (
	OriginManual            Origin = "manual"
	OriginManualReactivated Origin = "manual_reactivated"
	OriginManualForceStop   Origin = "manual_force_stop"
	OriginDailyRecurring    Origin = "daily_recurring_instance"
	OriginOneTimeScheduled  Origin = "one_time_scheduled"
)

// Valid reports whether o is a known origin tag.
func (o Origin) Valid() bool {
	switch o {
	case OriginManual, OriginManualReactivated, OriginManualForceStop, OriginDailyRecurring, OriginOneTimeScheduled:
		return true
	}
	return false
}

// Session is one instance of a streaming job.
type Session struct {
	Name         string        `json:"name"`
	UnitID       string        `json:"unit_id"`
	Media        string        `json:"media"`
	Credential   string        `json:"credential"`
	Platform     string        `json:"platform"`
	Status       SessionStatus `json:"status"`
	Origin       Origin        `json:"schedule_type"`
	StartedAt    time.Time     `json:"started_at"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	PlannedStop  *time.Time    `json:"planned_stop,omitempty"`
	DurationMins int           `json:"duration_minutes"`
}

// Active reports whether the session is in the active state.
func (s *Session) Active() bool { return s.Status == StatusActive }

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	if s.PlannedStop != nil {
		t := *s.PlannedStop
		c.PlannedStop = &t
	}
	return &c
}
