package models

import "time"

// Recurrence is the kind of a schedule definition.
type Recurrence string

const (
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceOneTime Recurrence = "one_time"
)

// ScheduleDefinition is a durable intent to run a session in the future.
// Daily definitions use StartOfDay/StopOfDay ("HH:MM" in the configured
// timezone); one-time definitions use StartAt, DurationMins and ManualStop.
type ScheduleDefinition struct {
	ID          string     `json:"id"`
	SessionName string     `json:"session_name"`
	UnitID      string     `json:"unit_id"`
	Platform    string     `json:"platform"`
	Credential  string     `json:"credential"`
	Media       string     `json:"media"`
	Recurrence  Recurrence `json:"recurrence"`

	StartOfDay string `json:"start_of_day,omitempty"`
	StopOfDay  string `json:"stop_of_day,omitempty"`

	StartAt      time.Time `json:"start_at,omitempty"`
	DurationMins int       `json:"duration_minutes"`
	ManualStop   bool      `json:"manual_stop"`

	CreatedAt time.Time `json:"created_at"`
}

// Daily reports whether d recurs every day.
func (d *ScheduleDefinition) Daily() bool { return d.Recurrence == RecurrenceDaily }

// StopAt returns the planned stop of a one-time definition, or nil when it
// only stops manually.
func (d *ScheduleDefinition) StopAt() *time.Time {
	if d.Recurrence != RecurrenceOneTime || d.ManualStop || d.DurationMins <= 0 {
		return nil
	}
	t := d.StartAt.Add(time.Duration(d.DurationMins) * time.Minute)
	return &t
}

// Clone returns a copy of d.
func (d *ScheduleDefinition) Clone() *ScheduleDefinition {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
