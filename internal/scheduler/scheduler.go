// Package scheduler turns persisted schedule definitions into timed
// triggers. Daily definitions run on wall-clock cron entries in the
// configured timezone; one-time definitions run on one-shot timers. Triggers
// are never persisted and are rebuilt by Recover on every start.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/streamhib/internal/config"
	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/session"
)

// Store is the persistence the scheduler needs.
type Store interface {
	PutSchedule(ctx context.Context, def *models.ScheduleDefinition) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduleDefinition, error)
	GetScheduleByName(ctx context.Context, name string) (*models.ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	DeleteScheduleByName(ctx context.Context, name string) (bool, error)
	ReplaceSchedules(ctx context.Context, defs []*models.ScheduleDefinition) error
	GetSession(ctx context.Context, name string) (*models.Session, error)
	DeleteSession(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
}

// Runner performs the session transitions triggers ask for.
type Runner interface {
	StartScheduledStreaming(ctx context.Context, def *models.ScheduleDefinition) (*models.Session, error)
	StopScheduledStreaming(ctx context.Context, name string) error
}

// Gate serializes sweeps that must not overlap with reconciliation.
type Gate interface {
	TryBegin() bool
	End()
}

// Options configures a Scheduler.
type Options struct {
	Location       *time.Location
	SweepSpec      string        // cron spec of the expiry sweep
	MinBuffer      time.Duration // minimum age past start before a one-time definition expires
	TriggerTimeout time.Duration // bound on one trigger's supervisor and store work
}

// CreateRequest describes a new schedule definition.
type CreateRequest struct {
	Name       string            `json:"name"`
	Media      string            `json:"media"`
	Credential string            `json:"credential"`
	Platform   string            `json:"platform"`
	Recurrence models.Recurrence `json:"recurrence"`

	StartOfDay string `json:"start_time_of_day,omitempty"`
	StopOfDay  string `json:"stop_time_of_day,omitempty"`

	StartTime    string `json:"start_time,omitempty"` // one_time, local "2006-01-02T15:04" or RFC 3339
	DurationMins int    `json:"duration_minutes,omitempty"`
}

// Scheduler owns every armed trigger. All methods are safe for concurrent use.
type Scheduler struct {
	store     Store
	runner    Runner
	notifier  notify.Notifier
	media     session.MediaResolver
	platforms config.Platforms
	metrics   *metrics.Metrics
	gate      Gate
	opts      Options
	logger    zerolog.Logger

	cron *cron.Cron
	now  func() time.Time

	mu         sync.Mutex
	triggers   map[string]*trigger
	sweepEntry cron.EntryID
	ready      atomic.Bool
	started    bool
}

// New creates a scheduler. Nothing is armed until Recover runs.
func New(
	store Store,
	runner Runner,
	notifier notify.Notifier,
	media session.MediaResolver,
	platforms config.Platforms,
	m *metrics.Metrics,
	opts Options,
	logger zerolog.Logger,
) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = "0 * * * *"
	}
	if opts.MinBuffer <= 0 {
		opts.MinBuffer = time.Hour
	}
	if opts.TriggerTimeout <= 0 {
		opts.TriggerTimeout = 2 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}

	return &Scheduler{
		store:     store,
		runner:    runner,
		notifier:  notifier,
		media:     media,
		platforms: platforms,
		metrics:   m,
		opts:      opts,
		logger:    logger,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		now:      time.Now,
		triggers: make(map[string]*trigger),
	}
}

// SetClock overrides the time source used for one-shot triggers and expiry.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetGate makes the expiry sweep share an in-progress flag with another sweep.
func (s *Scheduler) SetGate(g Gate) {
	s.gate = g
}

// Ready reports whether recovery has completed.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Recover rebuilds triggers from the persisted definitions, drops past-due
// and malformed one-time definitions, compacts the persisted set and starts
// the cron loop. It must complete before schedules are created.
func (s *Scheduler) Recover(ctx context.Context) error {
	if s.ready.Load() {
		s.logger.Warn().Msg("Scheduler already recovered, skipping")
		return nil
	}

	defs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return serrors.Store("list schedules", err)
	}

	now := s.now()
	valid := make([]*models.ScheduleDefinition, 0, len(defs))
	for _, def := range defs {
		log := s.logger.With().Str("schedule_id", def.ID).Str("session", def.SessionName).Logger()
		if err := validateDefinition(def); err != nil {
			log.Warn().Err(err).Msg("Dropping incomplete schedule")
			continue
		}
		if !def.Daily() && !def.StartAt.After(now) {
			log.Info().Time("start_at", def.StartAt).Msg("Dropping past one-time schedule")
			continue
		}
		if err := s.arm(def); err != nil {
			log.Error().Err(err).Msg("Failed to arm schedule")
			continue
		}
		valid = append(valid, def)
	}

	if len(valid) != len(defs) {
		if err := s.store.ReplaceSchedules(ctx, valid); err != nil {
			s.disarmAll()
			return serrors.Store("replace schedules", err)
		}
		s.logger.Info().Int("dropped", len(defs)-len(valid)).Msg("Compacted schedule definitions after recovery")
	}

	s.mu.Lock()
	id, err := s.cron.AddFunc(s.opts.SweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TriggerTimeout)
		defer cancel()
		if _, err := s.SweepExpired(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Expiry sweep failed")
		}
	})
	if err != nil {
		s.mu.Unlock()
		s.disarmAll()
		return fmt.Errorf("schedule expiry sweep %q: %w", s.opts.SweepSpec, err)
	}
	s.sweepEntry = id
	s.cron.Start()
	s.started = true
	s.mu.Unlock()

	s.ready.Store(true)
	s.logger.Info().Int("recovered", len(valid)).Msg("Schedule recovery completed")
	return nil
}

// Stop disarms every trigger and waits for running cron jobs to finish or
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.disarmAll()
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.ready.Store(false)
	if !started {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Timed out waiting for running triggers")
	}
}

// CreateSchedule validates req, supersedes any schedule definition and
// inactive record under the same name, persists the new definition and
// arms its triggers.
func (s *Scheduler) CreateSchedule(ctx context.Context, req CreateRequest) (*models.ScheduleDefinition, error) {
	if !s.ready.Load() {
		return nil, serrors.ErrNotReady
	}

	def, err := s.buildDefinition(ctx, req)
	if err != nil {
		return nil, err
	}

	prev, err := s.store.GetScheduleByName(ctx, def.SessionName)
	if err != nil {
		return nil, serrors.Store("get schedule", err)
	}
	if prev != nil {
		s.disarm(prev)
	}
	s.disarmInstanceStops(def.SessionName)

	if rec, err := s.store.GetSession(ctx, def.SessionName); err != nil {
		return nil, serrors.Store("get session", err)
	} else if rec != nil && !rec.Active() {
		if _, err := s.store.DeleteSession(ctx, def.SessionName); err != nil {
			return nil, serrors.Store("delete inactive session", err)
		}
	}

	if err := s.store.PutSchedule(ctx, def); err != nil {
		return nil, serrors.Store("save schedule", err)
	}
	if err := s.arm(def); err != nil {
		return nil, err
	}

	s.logger.Info().Str("schedule_id", def.ID).Str("session", def.SessionName).
		Str("recurrence", string(def.Recurrence)).Msg("Schedule created")
	s.publish(ctx, notify.EventSchedulesUpdate, notify.EventInactiveSessionsUpdate)
	return def, nil
}

// CancelSchedule disarms and deletes the definition with the given ID.
func (s *Scheduler) CancelSchedule(ctx context.Context, id string) (*models.ScheduleDefinition, error) {
	def, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, serrors.Store("get schedule", err)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %q", serrors.ErrScheduleNotFound, id)
	}
	if err := s.RemoveSchedule(ctx, def); err != nil {
		return nil, err
	}
	s.publish(ctx, notify.EventSchedulesUpdate)
	return def, nil
}

// CancelByName disarms and deletes the definition for a session name. It
// reports whether one existed.
func (s *Scheduler) CancelByName(ctx context.Context, name string) (bool, error) {
	s.disarmInstanceStops(name)
	def, err := s.store.GetScheduleByName(ctx, name)
	if err != nil {
		return false, serrors.Store("get schedule", err)
	}
	if def == nil {
		return false, nil
	}
	return true, s.RemoveSchedule(ctx, def)
}

// RemoveSchedule disarms def's triggers and deletes it from the store.
// Triggers are gone when it returns.
func (s *Scheduler) RemoveSchedule(ctx context.Context, def *models.ScheduleDefinition) error {
	s.disarm(def)
	if _, err := s.store.DeleteSchedule(ctx, def.ID); err != nil {
		return serrors.Store("delete schedule", err)
	}
	s.logger.Info().Str("schedule_id", def.ID).Str("session", def.SessionName).Msg("Schedule removed")
	return nil
}

// ListSchedules returns daily definitions first, then one-time definitions
// by start instant, ties broken by session name.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error) {
	defs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, serrors.Store("list schedules", err)
	}
	sortDefinitions(defs)
	if defs == nil {
		defs = []*models.ScheduleDefinition{}
	}
	return defs, nil
}

func sortDefinitions(defs []*models.ScheduleDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		a, b := defs[i], defs[j]
		if a.Daily() != b.Daily() {
			return a.Daily()
		}
		if !a.Daily() && !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return a.SessionName < b.SessionName
	})
}

func (s *Scheduler) buildDefinition(ctx context.Context, req CreateRequest) (*models.ScheduleDefinition, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Media == "" || req.Credential == "" || req.Platform == "" {
		return nil, serrors.Validationf("name, media, credential and platform are required")
	}
	if !s.platforms.Has(req.Platform) {
		return nil, fmt.Errorf("%w: %q", serrors.ErrInvalidPlatform, req.Platform)
	}
	if _, err := s.media.Resolve(req.Media); err != nil {
		return nil, err
	}

	unitID, err := s.unitID(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	def := &models.ScheduleDefinition{
		SessionName: req.Name,
		UnitID:      unitID,
		Platform:    req.Platform,
		Credential:  req.Credential,
		Media:       req.Media,
		Recurrence:  req.Recurrence,
		CreatedAt:   s.now(),
	}
	if def.Recurrence == "" {
		def.Recurrence = models.RecurrenceOneTime
	}

	switch def.Recurrence {
	case models.RecurrenceDaily:
		if _, err := models.DailyDuration(req.StartOfDay, req.StopOfDay); err != nil {
			return nil, serrors.Validationf("daily schedule: %v", err)
		}
		def.ID = "daily-" + unitID
		def.StartOfDay = req.StartOfDay
		def.StopOfDay = req.StopOfDay
	case models.RecurrenceOneTime:
		start, err := ParseStartTime(req.StartTime, s.opts.Location)
		if err != nil {
			return nil, err
		}
		if !start.After(s.now()) {
			return nil, serrors.Validationf("start time %s is not in the future", start.Format(time.RFC3339))
		}
		if req.DurationMins < 0 {
			return nil, serrors.Validationf("duration must not be negative")
		}
		def.ID = "onetime-" + unitID
		def.StartAt = start
		def.DurationMins = req.DurationMins
		def.ManualStop = req.DurationMins == 0
	default:
		return nil, serrors.Validationf("unknown recurrence %q", req.Recurrence)
	}
	return def, nil
}

// unitID reuses an identifier already persisted for name.
func (s *Scheduler) unitID(ctx context.Context, name string) (string, error) {
	rec, err := s.store.GetSession(ctx, name)
	if err != nil {
		return "", serrors.Store("get session", err)
	}
	if rec != nil && rec.UnitID != "" {
		return rec.UnitID, nil
	}
	return session.SanitizeID(name)
}

func validateDefinition(def *models.ScheduleDefinition) error {
	if def.ID == "" || def.SessionName == "" || def.UnitID == "" || def.Platform == "" ||
		def.Credential == "" || def.Media == "" {
		return serrors.Validationf("missing required fields")
	}
	switch def.Recurrence {
	case models.RecurrenceDaily:
		if _, err := models.DailyDuration(def.StartOfDay, def.StopOfDay); err != nil {
			return serrors.Validationf("%v", err)
		}
	case models.RecurrenceOneTime:
		if def.StartAt.IsZero() {
			return serrors.Validationf("missing start time")
		}
	default:
		return serrors.Validationf("unknown recurrence %q", def.Recurrence)
	}
	return nil
}

var startLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// ParseStartTime parses a one-time start instant. RFC 3339 values carry
// their own offset; the local layouts are read in loc.
func ParseStartTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, serrors.Validationf("start time is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, serrors.Validationf("invalid start time %q, want YYYY-MM-DDTHH:MM", s)
}

func (s *Scheduler) publish(ctx context.Context, events ...string) {
	for _, event := range events {
		var payload any
		var err error
		switch event {
		case notify.EventSchedulesUpdate:
			var defs []*models.ScheduleDefinition
			defs, err = s.ListSchedules(ctx)
			payload = defs
		case notify.EventInactiveSessionsUpdate:
			var inactive []*models.Session
			inactive, err = s.store.ListSessions(ctx, models.StatusInactive)
			payload = map[string]any{"inactive_sessions": inactive}
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("Failed to build event payload")
			continue
		}
		s.notifier.Publish(event, payload)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
