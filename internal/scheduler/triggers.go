package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/p-blackswan/streamhib/internal/models"
)

// Trigger kinds.
const (
	KindDailyStart   = "daily_start"
	KindDailyStop    = "daily_stop"
	KindOneTimeStart = "onetime_start"
	KindOneTimeStop  = "onetime_stop"
)

type trigger struct {
	id         string
	kind       string
	scheduleID string
	session    string

	entry    cron.EntryID // daily
	schedule cron.Schedule
	timer    *time.Timer // one-time
	at       time.Time
	oneShot  bool
	run      func(ctx context.Context)
}

// TriggerInfo describes an armed trigger.
type TriggerInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ScheduleID string    `json:"schedule_id"`
	Session    string    `json:"session"`
	Next       time.Time `json:"next"`
}

func dailyStartID(unitID string) string  { return "daily-start-" + unitID }
func dailyStopID(unitID string) string   { return "daily-stop-" + unitID }
func oneTimeStopID(unitID string) string { return "onetime-stop-" + unitID }
func oneTimeStartID(defID string) string { return defID }

// triggerIDs returns the IDs of every trigger def may own.
func triggerIDs(def *models.ScheduleDefinition) []string {
	if def.Daily() {
		return []string{dailyStartID(def.UnitID), dailyStopID(def.UnitID)}
	}
	return []string{oneTimeStartID(def.ID), oneTimeStopID(def.UnitID)}
}

// arm installs def's triggers, replacing any with the same IDs.
func (s *Scheduler) arm(def *models.ScheduleDefinition) error {
	def = def.Clone()
	if def.Daily() {
		return s.armDaily(def)
	}
	return s.armOneTime(def)
}

func (s *Scheduler) armDaily(def *models.ScheduleDefinition) error {
	startH, startM, err := models.ParseClock(def.StartOfDay)
	if err != nil {
		return err
	}
	stopH, stopM, err := models.ParseClock(def.StopOfDay)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(dailyStartID(def.UnitID))
	s.removeLocked(dailyStopID(def.UnitID))

	start := &trigger{
		id: dailyStartID(def.UnitID), kind: KindDailyStart, scheduleID: def.ID, session: def.SessionName,
		run: func(ctx context.Context) { s.fireStart(ctx, def.ID, def) },
	}
	stop := &trigger{
		id: dailyStopID(def.UnitID), kind: KindDailyStop, scheduleID: def.ID, session: def.SessionName,
		run: func(ctx context.Context) { s.fireStop(ctx, def.SessionName) },
	}
	if err := s.addCronLocked(start, fmt.Sprintf("%d %d * * *", startM, startH)); err != nil {
		return err
	}
	if err := s.addCronLocked(stop, fmt.Sprintf("%d %d * * *", stopM, stopH)); err != nil {
		s.removeLocked(start.id)
		return err
	}
	s.metrics.SetArmedTriggers(len(s.triggers))
	s.logger.Info().Str("schedule_id", def.ID).Str("session", def.SessionName).
		Str("start", def.StartOfDay).Str("stop", def.StopOfDay).Msg("Daily schedule armed")
	return nil
}

func (s *Scheduler) addCronLocked(t *trigger, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.id, err)
	}
	t.schedule = sched
	t.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(t) }))
	s.triggers[t.id] = t
	return nil
}

func (s *Scheduler) armOneTime(def *models.ScheduleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(oneTimeStartID(def.ID))
	s.removeLocked(oneTimeStopID(def.UnitID))

	s.addTimerLocked(&trigger{
		id: oneTimeStartID(def.ID), kind: KindOneTimeStart, scheduleID: def.ID, session: def.SessionName,
		at:  def.StartAt,
		run: func(ctx context.Context) { s.fireStart(ctx, def.ID, def) },
	})
	if stopAt := def.StopAt(); stopAt != nil {
		s.addTimerLocked(&trigger{
			id: oneTimeStopID(def.UnitID), kind: KindOneTimeStop, scheduleID: def.ID, session: def.SessionName,
			at:  *stopAt,
			run: func(ctx context.Context) { s.fireOneTimeStop(ctx, def.SessionName) },
		})
	}
	s.metrics.SetArmedTriggers(len(s.triggers))

	ev := s.logger.Info().Str("schedule_id", def.ID).Str("session", def.SessionName).Time("start_at", def.StartAt)
	if def.ManualStop || def.DurationMins <= 0 {
		ev.Msg("One-time schedule armed until manual stop")
	} else {
		ev.Int("duration_minutes", def.DurationMins).Msg("One-time schedule armed")
	}
	return nil
}

func (s *Scheduler) addTimerLocked(t *trigger) {
	t.oneShot = true
	delay := t.at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })
	s.triggers[t.id] = t
}

// disarm removes def's triggers. Unknown triggers are ignored.
func (s *Scheduler) disarm(def *models.ScheduleDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range triggerIDs(def) {
		s.removeLocked(id)
	}
	s.metrics.SetArmedTriggers(len(s.triggers))
}

// disarmInstanceStops removes the one-time stop triggers still armed for
// name. They outlive their definition, which is deleted once the start fires.
func (s *Scheduler) disarmInstanceStops(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.triggers {
		if t.kind == KindOneTimeStop && t.session == name {
			s.removeLocked(id)
		}
	}
	s.metrics.SetArmedTriggers(len(s.triggers))
}

func (s *Scheduler) disarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.triggers {
		s.removeLocked(id)
	}
	if s.sweepEntry != 0 {
		s.cron.Remove(s.sweepEntry)
		s.sweepEntry = 0
	}
	s.metrics.SetArmedTriggers(0)
}

func (s *Scheduler) removeLocked(id string) {
	t, ok := s.triggers[id]
	if !ok {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	} else {
		s.cron.Remove(t.entry)
	}
	delete(s.triggers, id)
	s.logger.Debug().Str("trigger", id).Msg("Trigger removed")
}

// fire runs t if it is still the armed trigger for its ID. One-shot
// triggers remove themselves first so a cancel racing the timer cannot
// run them twice.
func (s *Scheduler) fire(t *trigger) {
	s.mu.Lock()
	if s.triggers[t.id] != t {
		s.mu.Unlock()
		return
	}
	if t.oneShot {
		delete(s.triggers, t.id)
		s.metrics.SetArmedTriggers(len(s.triggers))
	}
	s.mu.Unlock()

	s.metrics.RecordTrigger(t.kind)
	s.logger.Info().Str("trigger", t.id).Str("session", t.session).Msg("Trigger fired")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TriggerTimeout)
	defer cancel()
	t.run(ctx)
}

// fireStart reloads the definition so edits since arming are honored.
func (s *Scheduler) fireStart(ctx context.Context, id string, armed *models.ScheduleDefinition) {
	log := s.logger.With().Str("schedule_id", id).Str("session", armed.SessionName).Logger()
	def, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load schedule, using armed copy")
		def = armed
	}
	if def == nil {
		log.Warn().Msg("Schedule no longer exists, skipping start")
		return
	}
	if _, err := s.runner.StartScheduledStreaming(ctx, def); err != nil {
		log.Error().Err(err).Msg("Scheduled start failed")
	}
}

// fireOneTimeStop stops name only while the active session is the one-time
// instance the trigger was armed for.
func (s *Scheduler) fireOneTimeStop(ctx context.Context, name string) {
	rec, err := s.store.GetSession(ctx, name)
	if err != nil {
		s.logger.Error().Err(err).Str("session", name).Msg("Failed to load session for one-time stop")
		return
	}
	if rec != nil && rec.Active() && rec.Origin != models.OriginOneTimeScheduled {
		s.logger.Warn().Str("session", name).Str("origin", string(rec.Origin)).
			Msg("Active session is not a one-time instance, skipping stop")
		return
	}
	s.fireStop(ctx, name)
}

func (s *Scheduler) fireStop(ctx context.Context, name string) {
	if err := s.runner.StopScheduledStreaming(ctx, name); err != nil {
		s.logger.Error().Err(err).Str("session", name).Msg("Scheduled stop failed")
	}
}

// Triggers lists armed triggers with their next fire time, ordered by ID.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().In(s.opts.Location)
	out := make([]TriggerInfo, 0, len(s.triggers))
	for _, t := range s.triggers {
		info := TriggerInfo{ID: t.id, Kind: t.kind, ScheduleID: t.scheduleID, Session: t.session, Next: t.at}
		if t.schedule != nil {
			info.Next = t.schedule.Next(now)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
