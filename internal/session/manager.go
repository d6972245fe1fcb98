// Package session implements the session lifecycle: starting, stopping,
// reactivating and demoting streaming jobs against the store and the
// process supervisor.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/streamhib/internal/config"
	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/supervisor"
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, name string) (*models.Session, error)
	GetSessionByUnit(ctx context.Context, unitID string) (*models.Session, error)
	PutSession(ctx context.Context, sess *models.Session) error
	DeleteSession(ctx context.Context, name string) (bool, error)
	DeleteSessionsByStatus(ctx context.Context, status models.SessionStatus) (int, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	GetScheduleByName(ctx context.Context, name string) (*models.ScheduleDefinition, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	DeleteScheduleByName(ctx context.Context, name string) (bool, error)
	ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error)
}

// ScheduleCanceller disarms and deletes the schedule definition for a session name.
type ScheduleCanceller interface {
	CancelByName(ctx context.Context, name string) (bool, error)
}

// StartRequest holds the inputs of a manual start.
type StartRequest struct {
	Name         string `json:"name"`
	Media        string `json:"media"`
	Credential   string `json:"credential"`
	Platform     string `json:"platform"`
	DurationMins int    `json:"duration_minutes"` // 0 runs until stopped
}

// EditRequest changes fields of an inactive session. Nil fields are kept.
type EditRequest struct {
	Media      *string `json:"media,omitempty"`
	Credential *string `json:"credential,omitempty"`
	Platform   *string `json:"platform,omitempty"`
}

// Manager owns session state transitions.
type Manager struct {
	store     Store
	sup       supervisor.Client
	notifier  notify.Notifier
	media     MediaResolver
	platforms config.Platforms
	metrics   *metrics.Metrics
	sched     ScheduleCanceller
	now       func() time.Time
	logger    zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(
	store Store,
	sup supervisor.Client,
	notifier notify.Notifier,
	media MediaResolver,
	platforms config.Platforms,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		store:     store,
		sup:       sup,
		notifier:  notifier,
		media:     media,
		platforms: platforms,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// SetScheduleCanceller sets the scheduler used to disarm triggers on manual start.
// Called after construction since the scheduler depends on the manager.
func (m *Manager) SetScheduleCanceller(c ScheduleCanceller) {
	m.sched = c
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Platforms returns the platform catalog.
func (m *Manager) Platforms() config.Platforms {
	return m.platforms
}

// StartSession starts a manual session. Any schedule definition and inactive
// record under the same name are superseded.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*models.Session, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, serrors.Validationf("name is required")
	}
	if req.Credential == "" {
		return nil, serrors.Validationf("credential is required")
	}
	if req.DurationMins < 0 {
		return nil, serrors.Validationf("duration must not be negative")
	}

	id, err := m.resolveID(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &models.Session{
		Name:         req.Name,
		UnitID:       id,
		Media:        req.Media,
		Credential:   req.Credential,
		Platform:     req.Platform,
		Status:       models.StatusActive,
		Origin:       models.OriginManual,
		StartedAt:    now,
		DurationMins: req.DurationMins,
	}
	if req.DurationMins > 0 {
		stop := now.Add(time.Duration(req.DurationMins) * time.Minute)
		sess.PlannedStop = &stop
	}

	if err := m.activate(ctx, sess); err != nil {
		return nil, err
	}

	if err := m.cancelSchedule(ctx, req.Name); err != nil {
		m.logger.Error().Err(err).Str("session", req.Name).Msg("Failed to remove superseded schedule")
	}
	m.publish(ctx, notify.EventSessionsUpdate, notify.EventInactiveSessionsUpdate, notify.EventSchedulesUpdate)
	return sess, nil
}

// StartScheduledStreaming starts the session described by a schedule
// definition. A consumed one-time definition is deleted.
func (m *Manager) StartScheduledStreaming(ctx context.Context, def *models.ScheduleDefinition) (*models.Session, error) {
	if def.UnitID == "" {
		return nil, fmt.Errorf("schedule %s: %w", def.ID, serrors.ErrMissingIdentifier)
	}

	now := m.now()
	sess := &models.Session{
		Name:       def.SessionName,
		UnitID:     def.UnitID,
		Media:      def.Media,
		Credential: def.Credential,
		Platform:   def.Platform,
		Status:     models.StatusActive,
		StartedAt:  now,
	}

	switch def.Recurrence {
	case models.RecurrenceDaily:
		d, err := models.DailyDuration(def.StartOfDay, def.StopOfDay)
		if err != nil {
			return nil, serrors.Validationf("schedule %s: %v", def.ID, err)
		}
		stop := now.Add(d)
		sess.Origin = models.OriginDailyRecurring
		sess.PlannedStop = &stop
		sess.DurationMins = int(d / time.Minute)
	case models.RecurrenceOneTime:
		sess.Origin = models.OriginOneTimeScheduled
		if !def.ManualStop && def.DurationMins > 0 {
			stop := now.Add(time.Duration(def.DurationMins) * time.Minute)
			sess.PlannedStop = &stop
			sess.DurationMins = def.DurationMins
		}
	default:
		return nil, serrors.Validationf("schedule %s: unknown recurrence %q", def.ID, def.Recurrence)
	}

	if err := m.activate(ctx, sess); err != nil {
		return nil, err
	}

	if def.Recurrence == models.RecurrenceOneTime {
		if _, err := m.store.DeleteSchedule(ctx, def.ID); err != nil {
			m.logger.Error().Err(err).Str("schedule_id", def.ID).Msg("Failed to delete consumed one-time schedule")
		}
	}
	m.publish(ctx, notify.EventSessionsUpdate, notify.EventSchedulesUpdate)
	return sess, nil
}

// ReactivateSession starts a new active lifecycle from an inactive record,
// reusing its identifier, media and credential.
func (m *Manager) ReactivateSession(ctx context.Context, name, platformOverride string) (*models.Session, error) {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return nil, serrors.Store("get session", err)
	}
	if rec == nil || rec.Active() {
		return nil, fmt.Errorf("%w: no inactive session %q", serrors.ErrSessionNotFound, name)
	}
	if rec.UnitID == "" {
		return nil, fmt.Errorf("session %q: %w", name, serrors.ErrMissingIdentifier)
	}
	if platformOverride != "" {
		rec.Platform = platformOverride
	}
	if rec.Media == "" || rec.Credential == "" || rec.Platform == "" {
		return nil, serrors.Validationf("session %q is missing media, credential or platform", name)
	}

	rec.Status = models.StatusActive
	rec.Origin = models.OriginManualReactivated
	rec.StartedAt = m.now()
	rec.StoppedAt = nil
	rec.PlannedStop = nil
	rec.DurationMins = 0

	if err := m.activate(ctx, rec); err != nil {
		return nil, err
	}
	m.publish(ctx, notify.EventSessionsUpdate, notify.EventInactiveSessionsUpdate)
	return rec, nil
}

// StopSession stops a session by name. It tolerates unknown names: the unit
// is addressed by the sanitized name and an inactive record tagged
// manual_force_stop is written. Stopping an inactive session is a no-op
// apart from a best-effort unit stop.
func (m *Manager) StopSession(ctx context.Context, name string) (*models.Session, error) {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return nil, serrors.Store("get session", err)
	}

	switch {
	case rec != nil && rec.Active():
		if rec.UnitID == "" {
			return nil, fmt.Errorf("session %q: %w", name, serrors.ErrMissingIdentifier)
		}
		return m.deactivate(ctx, rec, true)

	case rec != nil:
		if rec.UnitID != "" {
			m.halt(ctx, supervisor.Ref(rec.UnitID))
		}
		return rec, nil

	default:
		id, err := SanitizeID(name)
		if err != nil {
			return nil, err
		}
		m.logger.Warn().Str("session", name).Str("unit", supervisor.UnitPrefix+id).
			Msg("No session record, stopping unit by derived identifier")
		m.halt(ctx, supervisor.Ref(id))

		now := m.now()
		sess := &models.Session{
			Name:      name,
			UnitID:    id,
			Status:    models.StatusInactive,
			Origin:    models.OriginManualForceStop,
			StartedAt: now,
			StoppedAt: &now,
		}
		if err := m.store.PutSession(ctx, sess); err != nil {
			return nil, serrors.Store("save session", err)
		}
		m.metrics.RecordTransition(string(models.StatusInactive), string(sess.Origin), "ok")
		m.publish(ctx, notify.EventSessionsUpdate, notify.EventInactiveSessionsUpdate)
		return sess, nil
	}
}

// StopScheduledStreaming stops the active session for name. A name with no
// active session is a no-op.
func (m *Manager) StopScheduledStreaming(ctx context.Context, name string) error {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return serrors.Store("get session", err)
	}
	if rec == nil || !rec.Active() {
		m.logger.Debug().Str("session", name).Msg("No active session to stop")
		return nil
	}
	if rec.UnitID == "" {
		return fmt.Errorf("session %q: %w", name, serrors.ErrMissingIdentifier)
	}
	if _, err := m.deactivate(ctx, rec, true); err != nil {
		return err
	}
	m.publish(ctx, notify.EventSchedulesUpdate)
	return nil
}

// Demote moves an active session to inactive without calling the
// supervisor. It skips the write if the record changed since the caller
// read it.
func (m *Manager) Demote(ctx context.Context, snapshot *models.Session) error {
	rec, err := m.store.GetSession(ctx, snapshot.Name)
	if err != nil {
		return serrors.Store("get session", err)
	}
	if rec == nil || !rec.Active() || rec.UnitID != snapshot.UnitID || !rec.StartedAt.Equal(snapshot.StartedAt) {
		return nil
	}
	_, err = m.deactivate(ctx, rec, false)
	return err
}

// GetSession returns the record for name or ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, name string) (*models.Session, error) {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return nil, serrors.Store("get session", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", serrors.ErrSessionNotFound, name)
	}
	return rec, nil
}

// ListSessions lists sessions by status.
func (m *Manager) ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	sessions, err := m.store.ListSessions(ctx, status)
	if err != nil {
		return nil, serrors.Store("list sessions", err)
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return sessions, nil
}

// DeleteInactive deletes one inactive record.
func (m *Manager) DeleteInactive(ctx context.Context, name string) error {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return serrors.Store("get session", err)
	}
	if rec == nil || rec.Active() {
		return fmt.Errorf("%w: no inactive session %q", serrors.ErrSessionNotFound, name)
	}
	if _, err := m.store.DeleteSession(ctx, name); err != nil {
		return serrors.Store("delete session", err)
	}
	m.publish(ctx, notify.EventInactiveSessionsUpdate)
	return nil
}

// DeleteAllInactive deletes every inactive record and returns the count.
func (m *Manager) DeleteAllInactive(ctx context.Context) (int, error) {
	n, err := m.store.DeleteSessionsByStatus(ctx, models.StatusInactive)
	if err != nil {
		return 0, serrors.Store("delete inactive sessions", err)
	}
	m.publish(ctx, notify.EventInactiveSessionsUpdate)
	return n, nil
}

// EditInactive updates media, credential or platform of an inactive record.
func (m *Manager) EditInactive(ctx context.Context, name string, edit EditRequest) (*models.Session, error) {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return nil, serrors.Store("get session", err)
	}
	if rec == nil || rec.Active() {
		return nil, fmt.Errorf("%w: no inactive session %q", serrors.ErrSessionNotFound, name)
	}
	if edit.Platform != nil {
		if !m.platforms.Has(*edit.Platform) {
			return nil, fmt.Errorf("%w: %q", serrors.ErrInvalidPlatform, *edit.Platform)
		}
		rec.Platform = *edit.Platform
	}
	if edit.Media != nil {
		if _, err := m.media.Resolve(*edit.Media); err != nil {
			return nil, err
		}
		rec.Media = *edit.Media
	}
	if edit.Credential != nil {
		if *edit.Credential == "" {
			return nil, serrors.Validationf("credential must not be empty")
		}
		rec.Credential = *edit.Credential
	}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return nil, serrors.Store("save session", err)
	}
	m.publish(ctx, notify.EventInactiveSessionsUpdate)
	return rec, nil
}

// UnitLogs returns recent output of the session's unit when the backend supports it.
func (m *Manager) UnitLogs(ctx context.Context, name string, lines int) (string, error) {
	reader, ok := m.sup.(supervisor.LogReader)
	if !ok {
		return "", fmt.Errorf("%w: backend does not expose logs", serrors.ErrUnavailable)
	}
	rec, err := m.GetSession(ctx, name)
	if err != nil {
		return "", err
	}
	return reader.UnitLogs(ctx, supervisor.Ref(rec.UnitID), lines)
}

// resolveID returns the persisted identifier for name if any record carries
// one, otherwise a freshly sanitized one. It rejects identifiers already
// bound to another active session.
func (m *Manager) resolveID(ctx context.Context, name string) (string, error) {
	rec, err := m.store.GetSession(ctx, name)
	if err != nil {
		return "", serrors.Store("get session", err)
	}
	if rec != nil && rec.UnitID != "" {
		return rec.UnitID, nil
	}
	def, err := m.store.GetScheduleByName(ctx, name)
	if err != nil {
		return "", serrors.Store("get schedule", err)
	}
	if def != nil && def.UnitID != "" {
		return def.UnitID, nil
	}
	return SanitizeID(name)
}

// activate validates the destination, launches the unit and persists sess.
// Nothing is written when the supervisor fails.
func (m *Manager) activate(ctx context.Context, sess *models.Session) error {
	endpoint, err := m.platforms.Endpoint(sess.Platform, sess.Credential)
	if err != nil {
		return err
	}
	path, err := m.media.Resolve(sess.Media)
	if err != nil {
		return err
	}

	owner, err := m.store.GetSessionByUnit(ctx, sess.UnitID)
	if err != nil {
		return serrors.Store("get session by unit", err)
	}
	if owner != nil && owner.Active() && owner.Name != sess.Name {
		return serrors.Validationf("identifier %q is in use by active session %q", sess.UnitID, owner.Name)
	}

	log := m.logger.With().Str("session", sess.Name).Str("unit", supervisor.UnitPrefix+sess.UnitID).
		Str("origin", string(sess.Origin)).Logger()

	spec := supervisor.DefaultExecSpec(sess.Name, path, endpoint)
	ref, err := m.sup.CreateUnit(ctx, sess.UnitID, spec)
	if err != nil {
		m.metrics.RecordTransition(string(models.StatusActive), string(sess.Origin), "supervisor_error")
		return asSupervisorError("create", supervisor.UnitPrefix+sess.UnitID, err)
	}
	if err := m.sup.StartUnit(ctx, ref); err != nil {
		if rmErr := m.sup.RemoveUnit(ctx, ref); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove unit after failed start")
		}
		m.metrics.RecordTransition(string(models.StatusActive), string(sess.Origin), "supervisor_error")
		return asSupervisorError("start", ref.Name, err)
	}

	if err := m.store.PutSession(ctx, sess); err != nil {
		log.Error().Err(err).Msg("Failed to persist session, rolling back unit")
		m.halt(ctx, ref)
		m.metrics.RecordTransition(string(models.StatusActive), string(sess.Origin), "store_error")
		return serrors.Store("save session", err)
	}

	m.metrics.RecordTransition(string(models.StatusActive), string(sess.Origin), "ok")
	log.Info().Msg("Session started")
	return nil
}

// deactivate flips rec to inactive, optionally halting its unit first.
func (m *Manager) deactivate(ctx context.Context, rec *models.Session, haltUnit bool) (*models.Session, error) {
	if haltUnit {
		m.halt(ctx, supervisor.Ref(rec.UnitID))
	}
	now := m.now()
	rec.Status = models.StatusInactive
	rec.StoppedAt = &now
	if err := m.store.PutSession(ctx, rec); err != nil {
		return nil, serrors.Store("save session", err)
	}
	m.metrics.RecordTransition(string(models.StatusInactive), string(rec.Origin), "ok")
	m.logger.Info().Str("session", rec.Name).Bool("halted", haltUnit).Msg("Session moved to inactive")
	m.publish(ctx, notify.EventSessionsUpdate, notify.EventInactiveSessionsUpdate)
	return rec, nil
}

// halt stops and removes a unit. Failures are logged and tolerated.
func (m *Manager) halt(ctx context.Context, ref supervisor.UnitRef) {
	if err := m.sup.StopUnit(ctx, ref); err != nil {
		m.logger.Warn().Err(err).Str("unit", ref.Name).Msg("Stop failed, removing unit anyway")
	}
	if err := m.sup.RemoveUnit(ctx, ref); err != nil {
		m.logger.Warn().Err(err).Str("unit", ref.Name).Msg("Failed to remove unit")
	}
}

func (m *Manager) cancelSchedule(ctx context.Context, name string) error {
	if m.sched != nil {
		_, err := m.sched.CancelByName(ctx, name)
		return err
	}
	if _, err := m.store.DeleteScheduleByName(ctx, name); err != nil {
		return serrors.Store("delete schedule", err)
	}
	return nil
}

// publish emits the requested state snapshots.
func (m *Manager) publish(ctx context.Context, events ...string) {
	for _, event := range events {
		var payload any
		var err error
		switch event {
		case notify.EventSessionsUpdate:
			payload, err = m.store.ListSessions(ctx, models.StatusActive)
		case notify.EventInactiveSessionsUpdate:
			var inactive []*models.Session
			inactive, err = m.store.ListSessions(ctx, models.StatusInactive)
			payload = map[string]any{"inactive_sessions": inactive}
		case notify.EventSchedulesUpdate:
			payload, err = m.store.ListSchedules(ctx)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Failed to build event payload")
			continue
		}
		m.notifier.Publish(event, payload)
	}
}

// Publish lets other components emit a state snapshot event.
func (m *Manager) Publish(ctx context.Context, events ...string) {
	m.publish(ctx, events...)
}

func asSupervisorError(op, unit string, err error) error {
	if errors.Is(err, serrors.ErrSupervisorFailure) {
		return err
	}
	return serrors.NewSupervisorError(op, unit, err)
}
