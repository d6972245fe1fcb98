package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-blackswan/streamhib/internal/config"
	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/session"
	"github.com/p-blackswan/streamhib/internal/store"
	"github.com/p-blackswan/streamhib/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	rec     *Reconciler
	mgr     *session.Manager
	store   *store.Memory
	sup     *supervisor.Memory
	events  *notify.Recorder
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.mp4"), []byte("x"), 0o644))

	f := &fixture{
		store:   store.NewMemory(),
		sup:     supervisor.NewMemory(),
		events:  &notify.Recorder{},
		metrics: metrics.New(),
		now:     t0,
	}
	clock := func() time.Time { return f.now }
	f.mgr = session.NewManager(f.store, f.sup, f.events, session.DirResolver{Dir: dir},
		config.DefaultPlatforms(), f.metrics, zerolog.Nop())
	f.mgr.SetClock(clock)
	f.rec = New(f.store, f.sup, f.mgr, f.events, f.metrics, opts, zerolog.Nop())
	f.rec.SetClock(clock)
	return f
}

func (f *fixture) start(t *testing.T, name string, mins int) {
	t.Helper()
	_, err := f.mgr.StartSession(context.Background(), session.StartRequest{
		Name: name, Media: "loop.mp4", Credential: "key", Platform: "YouTube", DurationMins: mins,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, name string) models.SessionStatus {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess.Status
}

func TestRunHealthCheck_RestartsDeadUnit(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.start(t, "B", 0)
	f.sup.Crash("A")

	report, err := f.rec.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthReport{Checked: 2, Healthy: 1, Restarted: 1}, report)
	assert.Equal(t, []string{"stream-A", "stream-B", "stream-A"}, f.sup.Calls("start"))
	assert.Equal(t, 1, f.events.Count(notify.EventStreamRestart))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RestartsTotal.WithLabelValues("ok")))
}

func TestRunHealthCheck_OneAttemptPerSweep(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.Crash("A")
	f.sup.FailOn("start", errors.New("unit crashed"))

	for i := 0; i < 3; i++ {
		report, err := f.rec.RunHealthCheck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
	}
	// One initial start plus exactly one attempt per sweep.
	assert.Len(t, f.sup.Calls("start"), 4)
	assert.Zero(t, f.events.Count(notify.EventStreamRestart))
	assert.Equal(t, models.StatusActive, f.status(t, "A"))
}

func TestRunHealthCheck_UnknownLivenessIsNotDown(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.FailOn("liveness", errors.New("systemctl timed out"))

	report, err := f.rec.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unknown)
	assert.Zero(t, report.Restarted)
	assert.Len(t, f.sup.Calls("start"), 1)
}

func TestSweepsSkipWhenBusy(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	require.True(t, f.rec.TryBegin())

	health, err := f.rec.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Skipped)

	rec, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Skipped)

	cleanup, err := f.rec.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.True(t, cleanup.Skipped)

	assert.Empty(t, f.sup.Calls("liveness"))
	assert.Empty(t, f.sup.Calls("list"))

	f.rec.End()
	assert.False(t, f.rec.Busy())
	health, err = f.rec.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Skipped)
}

func TestReconcile_DemotesStaleSessions(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.start(t, "B", 0)
	f.sup.Crash("A")
	stops := len(f.sup.Calls("stop"))

	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Demoted)
	assert.Equal(t, models.StatusInactive, f.status(t, "A"))
	assert.Equal(t, models.StatusActive, f.status(t, "B"))
	assert.Len(t, f.sup.Calls("stop"), stops, "demotion never issues a stop")
}

func TestReconcile_FailedListingChangesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.Crash("A")
	f.sup.FailOn("list", errors.New("dbus unavailable"))

	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.ListingFailed)
	assert.Zero(t, report.Demoted)
	assert.Equal(t, models.StatusActive, f.status(t, "A"))
}

// listHook runs afterList once the memory supervisor has produced its listing.
type listHook struct {
	*supervisor.Memory
	afterList func()
}

func (l *listHook) ListRunningUnits(ctx context.Context) ([]supervisor.UnitRef, error) {
	refs, err := l.Memory.ListRunningUnits(ctx)
	if l.afterList != nil {
		l.afterList()
		l.afterList = nil
	}
	return refs, err
}

func TestReconcile_SessionStartedDuringListingStaysActive(t *testing.T) {
	for _, purge := range []bool{false, true} {
		f := newFixture(t, Options{PurgeOrphans: purge})
		f.start(t, "old", 0)
		hook := &listHook{Memory: f.sup, afterList: func() { f.start(t, "fresh", 0) }}
		f.rec = New(f.store, hook, f.mgr, f.events, f.metrics, Options{PurgeOrphans: purge}, zerolog.Nop())
		f.rec.SetClock(func() time.Time { return f.now })

		report, err := f.rec.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.Demoted, "purge=%v", purge)
		assert.Equal(t, models.StatusActive, f.status(t, "fresh"), "purge=%v", purge)
		assert.Equal(t, models.StatusActive, f.status(t, "old"), "purge=%v", purge)
		assert.True(t, f.sup.Exists("fresh"), "purge=%v", purge)
	}
}

func TestReconcile_ListingTimeoutRetried(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.FailOn("list", serrors.ErrTimeout)

	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.ListingFailed)
	assert.Len(t, f.sup.Calls("list"), 2)

	f.sup.FailOn("list", errors.New("permission denied"))
	before := len(f.sup.Calls("list"))
	_, err = f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.sup.Calls("list"), before+1, "permanent errors are not retried")
}

func TestReconcile_AutoStop(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "short", 30)
	f.start(t, "open", 0)

	f.now = t0.Add(29 * time.Minute)
	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.AutoStopped)

	f.now = t0.Add(31 * time.Minute)
	report, err = f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoStopped)
	assert.Zero(t, report.Demoted)
	assert.Zero(t, report.Purged)
	assert.Equal(t, models.StatusInactive, f.status(t, "short"))
	assert.Equal(t, models.StatusActive, f.status(t, "open"))
	assert.Equal(t, []string{"stream-short"}, f.sup.Calls("stop"))
}

func TestReconcile_AutoStopOnlyForRunningUnits(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "short", 30)
	f.sup.Crash("short")
	f.now = t0.Add(time.Hour)

	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.AutoStopped)
	assert.Equal(t, 1, report.Demoted)
	assert.Empty(t, f.sup.Calls("stop"))
}

func TestReconcile_PurgesPlaceholdersAlways(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.AddRunning("ghost")
	f.sup.AddRunning("recovered-A")

	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.False(t, f.sup.Exists("recovered-A"))
	assert.True(t, f.sup.Exists("ghost"), "unowned units survive unless purging is enabled")

	f.rec.opts.PurgeOrphans = true
	report, err = f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.False(t, f.sup.Exists("ghost"))
	assert.True(t, f.sup.Exists("A"))
}

func TestCleanupOrphans(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "A", 0)
	f.sup.AddRunning("ghost")
	f.sup.AddRunning("recovered-x")

	report, err := f.rec.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stream-ghost", "stream-recovered-x"}, report.Purged)
	assert.Equal(t, []string{"stream-ghost", "stream-recovered-x"}, f.sup.Calls("stop"))
	assert.Equal(t, []string{"stream-ghost", "stream-recovered-x"}, f.sup.Calls("remove"))
	assert.True(t, f.sup.Exists("A"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OrphansPurged))

	// Purged exactly once.
	report, err = f.rec.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Purged)
	assert.Len(t, f.sup.Calls("remove"), 2)
}

func TestCleanupOrphans_ListingFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.sup.FailOn("list", errors.New("boom"))
	_, err := f.rec.CleanupOrphans(context.Background())
	require.Error(t, err)
	assert.False(t, f.rec.Busy())
}

func TestReconcile_PrunesInactive(t *testing.T) {
	f := newFixture(t, Options{InactiveRetention: 24 * time.Hour})
	f.start(t, "A", 0)
	_, err := f.mgr.StopSession(context.Background(), "A")
	require.NoError(t, err)

	f.now = t0.Add(23 * time.Hour)
	report, err := f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pruned)

	f.now = t0.Add(25 * time.Hour)
	report, err = f.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)
}
