package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/p-blackswan/streamhib/internal/config"
	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/session"
	"github.com/p-blackswan/streamhib/internal/store"
	"github.com/p-blackswan/streamhib/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	sched  *Scheduler
	mgr    *session.Manager
	store  *store.Memory
	sup    *supervisor.Memory
	clock  *testClock
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.mp4"), []byte("x"), 0o644))

	f := &fixture{
		store:  store.NewMemory(),
		sup:    supervisor.NewMemory(),
		clock:  &testClock{now: t0},
		events: &notify.Recorder{},
	}
	media := session.DirResolver{Dir: dir}
	f.mgr = session.NewManager(f.store, f.sup, f.events, media, config.DefaultPlatforms(), nil, zerolog.Nop())
	f.mgr.SetClock(f.clock.Now)

	f.sched = New(f.store, f.mgr, f.events, media, config.DefaultPlatforms(), nil,
		Options{Location: time.UTC}, zerolog.Nop())
	f.sched.SetClock(f.clock.Now)
	f.mgr.SetScheduleCanceller(f.sched)
	t.Cleanup(func() { f.sched.Stop(context.Background()) })
	return f
}

func (f *fixture) recover(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Recover(context.Background()))
}

func (f *fixture) fire(t *testing.T, id string) {
	t.Helper()
	f.sched.mu.Lock()
	tr := f.sched.triggers[id]
	f.sched.mu.Unlock()
	require.NotNil(t, tr, "trigger %s not armed", id)
	f.sched.fire(tr)
}

func triggerIDList(s *Scheduler) []string {
	var ids []string
	for _, info := range s.Triggers() {
		ids = append(ids, info.ID)
	}
	return ids
}

func dailyReq(name, start, stop string) CreateRequest {
	return CreateRequest{
		Name: name, Media: "loop.mp4", Credential: "key", Platform: "YouTube",
		Recurrence: models.RecurrenceDaily, StartOfDay: start, StopOfDay: stop,
	}
}

func oneTimeReq(name string, start time.Time, mins int) CreateRequest {
	return CreateRequest{
		Name: name, Media: "loop.mp4", Credential: "key", Platform: "YouTube",
		Recurrence: models.RecurrenceOneTime, StartTime: start.Format(time.RFC3339), DurationMins: mins,
	}
}

func TestCreateSchedule_NotReady(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.CreateSchedule(context.Background(), dailyReq("A", "08:00", "10:00"))
	assert.ErrorIs(t, err, serrors.ErrNotReady)
}

func TestDailyScenario(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	def, err := f.sched.CreateSchedule(ctx, dailyReq("A", "08:00", "10:00"))
	require.NoError(t, err)
	assert.Equal(t, "daily-A", def.ID)
	assert.Equal(t, []string{"daily-start-A", "daily-stop-A"}, triggerIDList(f.sched))

	f.fire(t, "daily-start-A")
	sess, err := f.store.GetSession(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.Equal(t, models.OriginDailyRecurring, sess.Origin)
	require.NotNil(t, sess.PlannedStop)
	assert.Equal(t, time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), *sess.PlannedStop)

	f.clock.Set(t0.Add(2 * time.Hour))
	f.fire(t, "daily-stop-A")
	sess, err = f.store.GetSession(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, sess.Status)

	// Daily triggers stay armed and the definition persists.
	assert.Len(t, f.sched.Triggers(), 2)
	kept, err := f.store.GetSchedule(ctx, "daily-A")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestDailyTriggerNextFire(t *testing.T) {
	f := newFixture(t)
	f.recover(t)

	_, err := f.sched.CreateSchedule(context.Background(), dailyReq("Night", "23:30", "01:00"))
	require.NoError(t, err)

	next := map[string]time.Time{}
	for _, info := range f.sched.Triggers() {
		next[info.ID] = info.Next
	}
	assert.Equal(t, time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC), next["daily-start-Night"])
	assert.Equal(t, time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC), next["daily-stop-Night"])
}

func TestOneTimeScenario(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	def, err := f.sched.CreateSchedule(ctx, oneTimeReq("B", t0.Add(time.Hour), 30))
	require.NoError(t, err)
	assert.Equal(t, "onetime-B", def.ID)
	assert.False(t, def.ManualStop)
	assert.Equal(t, []string{"onetime-B", "onetime-stop-B"}, triggerIDList(f.sched))

	f.clock.Set(t0.Add(time.Hour))
	f.fire(t, "onetime-B")

	sess, err := f.store.GetSession(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, models.OriginOneTimeScheduled, sess.Origin)
	require.NotNil(t, sess.PlannedStop)
	assert.Equal(t, t0.Add(90*time.Minute), *sess.PlannedStop)

	gone, err := f.store.GetSchedule(ctx, "onetime-B")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, []string{"onetime-stop-B"}, triggerIDList(f.sched))

	f.clock.Set(t0.Add(90 * time.Minute))
	f.fire(t, "onetime-stop-B")
	sess, err = f.store.GetSession(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, sess.Status)
	assert.Empty(t, f.sched.Triggers())
}

func TestOneTimeManualStop(t *testing.T) {
	f := newFixture(t)
	f.recover(t)

	def, err := f.sched.CreateSchedule(context.Background(), oneTimeReq("C", t0.Add(time.Hour), 0))
	require.NoError(t, err)
	assert.True(t, def.ManualStop)
	assert.Equal(t, []string{"onetime-C"}, triggerIDList(f.sched))
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := func(id, name string, rec models.Recurrence) *models.ScheduleDefinition {
		return &models.ScheduleDefinition{
			ID: id, SessionName: name, UnitID: name, Platform: "YouTube", Credential: "k",
			Media: "loop.mp4", Recurrence: rec,
		}
	}
	past := base("onetime-past", "past", models.RecurrenceOneTime)
	past.StartAt = t0.Add(-time.Minute)
	past.DurationMins = 30
	future := base("onetime-future", "future", models.RecurrenceOneTime)
	future.StartAt = t0.Add(time.Hour)
	future.DurationMins = 30
	manual := base("onetime-manual", "manual", models.RecurrenceOneTime)
	manual.StartAt = t0.Add(time.Hour)
	manual.ManualStop = true
	daily := base("daily-day", "day", models.RecurrenceDaily)
	daily.StartOfDay, daily.StopOfDay = "06:00", "06:00"
	broken := base("daily-broken", "broken", models.RecurrenceDaily)
	broken.StartOfDay, broken.StopOfDay = "6am", "07:00"

	for _, def := range []*models.ScheduleDefinition{past, future, manual, daily, broken} {
		require.NoError(t, f.store.PutSchedule(ctx, def))
	}

	f.recover(t)
	assert.True(t, f.sched.Ready())

	assert.Equal(t, []string{
		"daily-start-day", "daily-stop-day",
		"onetime-future", "onetime-manual", "onetime-stop-future",
	}, triggerIDList(f.sched))

	defs, err := f.store.ListSchedules(ctx)
	require.NoError(t, err)
	var ids []string
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"onetime-future", "onetime-manual", "daily-day"}, ids)
	assert.Empty(t, f.sup.Calls("create"), "past-due schedules are never run late")
}

func TestCreateSchedule_Supersedes(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	_, err := f.sched.CreateSchedule(ctx, dailyReq("A", "08:00", "10:00"))
	require.NoError(t, err)
	_, err = f.sched.CreateSchedule(ctx, oneTimeReq("A", t0.Add(time.Hour), 15))
	require.NoError(t, err)

	defs, err := f.sched.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "onetime-A", defs[0].ID)
	assert.Equal(t, []string{"onetime-A", "onetime-stop-A"}, triggerIDList(f.sched))
}

func TestCreateSchedule_RemovesInactiveRecord(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	_, err := f.mgr.StopSession(ctx, "A")
	require.NoError(t, err)

	_, err = f.sched.CreateSchedule(ctx, dailyReq("A", "08:00", "10:00"))
	require.NoError(t, err)
	rec, err := f.store.GetSession(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, f.events.Count(notify.EventSchedulesUpdate))
}

func TestCreateSchedule_Validation(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	badPlatform := dailyReq("A", "08:00", "10:00")
	badPlatform.Platform = "Vimeo"
	missingMedia := dailyReq("A", "08:00", "10:00")
	missingMedia.Media = "gone.mp4"
	unknown := dailyReq("A", "08:00", "10:00")
	unknown.Recurrence = "weekly"
	negative := oneTimeReq("A", t0.Add(time.Hour), -5)

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"bad clock", dailyReq("A", "24:00", "10:00"), serrors.ErrValidation},
		{"missing stop", dailyReq("A", "08:00", ""), serrors.ErrValidation},
		{"past start", oneTimeReq("A", t0.Add(-time.Minute), 10), serrors.ErrValidation},
		{"negative duration", negative, serrors.ErrValidation},
		{"unknown platform", badPlatform, serrors.ErrInvalidPlatform},
		{"missing media", missingMedia, serrors.ErrMediaNotFound},
		{"unknown recurrence", unknown, serrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.CreateSchedule(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.sched.Triggers())
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	_, err := f.sched.CancelSchedule(ctx, "daily-nope")
	assert.ErrorIs(t, err, serrors.ErrScheduleNotFound)

	_, err = f.sched.CreateSchedule(ctx, dailyReq("A", "08:00", "10:00"))
	require.NoError(t, err)
	f.sched.mu.Lock()
	stale := f.sched.triggers["daily-start-A"]
	f.sched.mu.Unlock()

	_, err = f.sched.CancelSchedule(ctx, "daily-A")
	require.NoError(t, err)
	assert.Empty(t, f.sched.Triggers())

	// A callback that was already dispatched when the cancel landed does nothing.
	f.sched.fire(stale)
	assert.Empty(t, f.sup.Calls("create"))

	defs, err := f.sched.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestManualStartCancelsSchedule(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()

	_, err := f.sched.CreateSchedule(ctx, oneTimeReq("A", t0.Add(time.Hour), 30))
	require.NoError(t, err)

	_, err = f.mgr.StartSession(ctx, session.StartRequest{
		Name: "A", Media: "loop.mp4", Credential: "key", Platform: "YouTube",
	})
	require.NoError(t, err)
	assert.Empty(t, f.sched.Triggers())
	defs, err := f.sched.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

// fireOneTimeInstance creates a one-time schedule for name at t0+1h lasting
// 30 minutes, fires its start and stops the session manually at t0+70m.
func fireOneTimeInstance(t *testing.T, f *fixture, name string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.sched.CreateSchedule(ctx, oneTimeReq(name, t0.Add(time.Hour), 30))
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour))
	f.fire(t, "onetime-"+name)
	f.clock.Set(t0.Add(70 * time.Minute))
	_, err = f.mgr.StopSession(ctx, name)
	require.NoError(t, err)
	require.Equal(t, []string{"onetime-stop-" + name}, triggerIDList(f.sched))
}

func TestManualStartAfterOneTimeInstance_DisarmsStop(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()
	fireOneTimeInstance(t, f, "B")

	_, err := f.mgr.StartSession(ctx, session.StartRequest{
		Name: "B", Media: "loop.mp4", Credential: "key", Platform: "YouTube",
	})
	require.NoError(t, err)
	assert.Empty(t, f.sched.Triggers())

	sess, err := f.store.GetSession(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)
}

func TestCreateDailyAfterOneTimeInstance_DisarmsStop(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	fireOneTimeInstance(t, f, "B")

	_, err := f.sched.CreateSchedule(context.Background(), dailyReq("B", "08:00", "10:00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"daily-start-B", "daily-stop-B"}, triggerIDList(f.sched))
}

func TestOneTimeStop_SkipsOtherInstance(t *testing.T) {
	f := newFixture(t)
	f.recover(t)
	ctx := context.Background()
	fireOneTimeInstance(t, f, "B")

	// Reactivation does not go through the schedule canceller.
	_, err := f.mgr.ReactivateSession(ctx, "B", "")
	require.NoError(t, err)

	f.clock.Set(t0.Add(90 * time.Minute))
	f.fire(t, "onetime-stop-B")

	sess, err := f.store.GetSession(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.Equal(t, models.OriginManualReactivated, sess.Origin)
	assert.True(t, f.sup.Exists("B"))
}

type busyGate struct{ busy bool }

func (g *busyGate) TryBegin() bool { return !g.busy }
func (g *busyGate) End()           {}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := &models.ScheduleDefinition{
		ID: "onetime-old", SessionName: "old", UnitID: "old", Platform: "YouTube", Credential: "k",
		Media: "loop.mp4", Recurrence: models.RecurrenceOneTime, StartAt: t0.Add(-3 * time.Hour), DurationMins: 30,
	}
	long := old.Clone()
	long.ID, long.SessionName, long.UnitID = "onetime-long", "long", "long"
	long.DurationMins = 240
	recent := old.Clone()
	recent.ID, recent.SessionName, recent.UnitID = "onetime-recent", "recent", "recent"
	recent.StartAt = t0.Add(-30 * time.Minute)
	recent.DurationMins = 0
	for _, def := range []*models.ScheduleDefinition{old, long, recent} {
		require.NoError(t, f.store.PutSchedule(ctx, def))
	}

	gate := &busyGate{busy: true}
	f.sched.SetGate(gate)
	n, err := f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	gate.busy = false
	n, err = f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Idempotent.
	n, err = f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	defs, err := f.sched.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "long", defs[0].SessionName)
	assert.Equal(t, "recent", defs[1].SessionName)
}

func TestListSchedules_Order(t *testing.T) {
	defs := []*models.ScheduleDefinition{
		{SessionName: "late", Recurrence: models.RecurrenceOneTime, StartAt: t0.Add(2 * time.Hour)},
		{SessionName: "zeta", Recurrence: models.RecurrenceDaily},
		{SessionName: "early", Recurrence: models.RecurrenceOneTime, StartAt: t0.Add(time.Hour)},
		{SessionName: "alpha", Recurrence: models.RecurrenceDaily},
	}
	sortDefinitions(defs)
	var names []string
	for _, d := range defs {
		names = append(names, d.SessionName)
	}
	assert.Equal(t, []string{"alpha", "zeta", "early", "late"}, names)
}

func TestParseStartTime(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)

	got, err := ParseStartTime("2025-03-10T15:04", jakarta)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 8, 4, 0, 0, time.UTC), got.UTC())

	got, err = ParseStartTime("2025-03-10T15:04:00Z", jakarta)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 4, 0, 0, time.UTC), got.UTC())

	for _, bad := range []string{"", "tomorrow", "2025-13-01T10:00"} {
		_, err := ParseStartTime(bad, jakarta)
		assert.ErrorIs(t, err, serrors.ErrValidation, "input %q", bad)
	}
}
