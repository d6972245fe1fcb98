// Package reconciler diffs the desired session state in the store against
// the units the supervisor is actually running. It restarts dead units,
// demotes records whose unit vanished, enforces planned stops and purges
// orphaned units.
package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/retry"
	"github.com/p-blackswan/streamhib/internal/supervisor"
)

// Store is the persistence the reconciler reads.
type Store interface {
	ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error)
	PruneInactive(ctx context.Context, cutoff time.Time) (int, error)
}

// Lifecycle performs the session transitions the reconciler decides on.
type Lifecycle interface {
	StopScheduledStreaming(ctx context.Context, name string) error
	Demote(ctx context.Context, sess *models.Session) error
}

// Options configures a Reconciler.
type Options struct {
	HealthInterval    time.Duration
	ReconcileInterval time.Duration
	QueryTimeout      time.Duration // per supervisor query
	PurgeOrphans      bool          // purge unowned units on every reconcile pass
	InactiveRetention time.Duration // 0 keeps inactive records forever
}

// HealthReport summarizes one liveness sweep.
type HealthReport struct {
	Skipped   bool `json:"skipped"`
	Checked   int  `json:"checked"`
	Healthy   int  `json:"healthy"`
	Restarted int  `json:"restarted"`
	Failed    int  `json:"failed"`
	Unknown   int  `json:"unknown"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Skipped       bool `json:"skipped"`
	ListingFailed bool `json:"listing_failed"`
	AutoStopped   int  `json:"auto_stopped"`
	Demoted       int  `json:"demoted"`
	Purged        int  `json:"purged"`
	Pruned        int  `json:"pruned"`
}

// CleanupReport summarizes an orphan cleanup.
type CleanupReport struct {
	Skipped bool     `json:"skipped"`
	Purged  []string `json:"purged"`
	Failed  []string `json:"failed,omitempty"`
}

// Reconciler runs the periodic sweeps. Every sweep holds a single
// in-progress flag; a sweep that finds it held skips instead of queuing.
type Reconciler struct {
	store     Store
	sup       supervisor.Client
	lifecycle Lifecycle
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	busy atomic.Bool
}

// New creates a Reconciler.
func New(store Store, sup supervisor.Client, lifecycle Lifecycle, notifier notify.Notifier,
	m *metrics.Metrics, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 2 * time.Minute
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Minute
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		store:     store,
		sup:       sup,
		lifecycle: lifecycle,
		notifier:  notifier,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// TryBegin takes the in-progress flag if it is free.
func (r *Reconciler) TryBegin() bool {
	return r.busy.CompareAndSwap(false, true)
}

// End releases the in-progress flag.
func (r *Reconciler) End() {
	r.busy.Store(false)
}

// Busy reports whether a sweep is running.
func (r *Reconciler) Busy() bool {
	return r.busy.Load()
}

// Run drives the health and reconcile sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	health := time.NewTicker(r.opts.HealthInterval)
	defer health.Stop()
	reconcile := time.NewTicker(r.opts.ReconcileInterval)
	defer reconcile.Stop()

	r.logger.Info().Dur("health_interval", r.opts.HealthInterval).
		Dur("reconcile_interval", r.opts.ReconcileInterval).Msg("Reconciler started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return
		case <-health.C:
			if _, err := r.RunHealthCheck(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Health check failed")
			}
		case <-reconcile.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconcile failed")
			}
		}
	}
}

// RunHealthCheck queries liveness of every active session and attempts one
// start of each unit that is not live. A failed query counts as unknown and
// never triggers a restart.
func (r *Reconciler) RunHealthCheck(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if !r.TryBegin() {
		r.logger.Info().Msg("Sweep already in progress, skipping health check")
		r.metrics.RecordSweep("health", "skipped", 0)
		return HealthReport{Skipped: true}, nil
	}
	defer r.End()
	began := time.Now()

	active, err := r.store.ListSessions(ctx, models.StatusActive)
	if err != nil {
		r.metrics.RecordSweep("health", "error", time.Since(began).Seconds())
		return report, serrors.Store("list active sessions", err)
	}
	r.metrics.SetActiveSessions(len(active))

	for _, sess := range active {
		if sess.UnitID == "" {
			r.logger.Warn().Str("session", sess.Name).Msg("Active session has no identifier, skipping health check")
			continue
		}
		report.Checked++
		ref := supervisor.Ref(sess.UnitID)
		log := r.logger.With().Str("session", sess.Name).Str("unit", ref.Name).Logger()

		qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
		live, err := r.sup.QueryLiveness(qctx, ref)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Liveness unknown, not restarting")
			report.Unknown++
			continue
		}
		if live.Live {
			report.Healthy++
			continue
		}

		log.Warn().Str("status", live.Raw).Msg("Unit is not live, attempting restart")
		if err := r.sup.StartUnit(ctx, ref); err != nil {
			log.Error().Err(err).Msg("Restart failed")
			r.metrics.RecordRestart("error")
			report.Failed++
			continue
		}
		r.metrics.RecordRestart("ok")
		report.Restarted++
		r.notifier.Publish(notify.EventStreamRestart, map[string]any{
			"session_id":   sess.UnitID,
			"session_name": sess.Name,
			"message":      fmt.Sprintf("Stream %q was automatically restarted after a unit failure", sess.Name),
		})
	}

	r.metrics.RecordSweep("health", "ok", time.Since(began).Seconds())
	return report, nil
}

// Reconcile enforces planned stops, demotes active records whose unit is
// no longer running, purges orphans when configured and prunes expired
// inactive records. Decisions that depend on the running set are skipped
// when the supervisor listing fails.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if !r.TryBegin() {
		r.logger.Info().Msg("Sweep already in progress, skipping reconcile")
		r.metrics.RecordSweep("reconcile", "skipped", 0)
		return ReconcileReport{Skipped: true}, nil
	}
	defer r.End()
	began := time.Now()

	// Records are read before the listing so every active record in the
	// snapshot was persisted, and its unit started, before the listing ran.
	active, err := r.store.ListSessions(ctx, models.StatusActive)
	if err != nil {
		r.metrics.RecordSweep("reconcile", "error", time.Since(began).Seconds())
		return report, serrors.Store("list active sessions", err)
	}
	defs, err := r.store.ListSchedules(ctx)
	if err != nil {
		r.metrics.RecordSweep("reconcile", "error", time.Since(began).Seconds())
		return report, serrors.Store("list schedules", err)
	}

	running, listErr := r.listRunning(ctx)
	if listErr != nil {
		r.logger.Warn().Err(listErr).Msg("Running units unknown, skipping state reconciliation")
		report.ListingFailed = true
	}

	if listErr == nil {
		stopped := r.autoStop(ctx, active, defs, running)
		report.AutoStopped = len(stopped)
		report.Demoted = r.demoteStale(ctx, active, running, stopped)

		// Ownership is read again so sessions started during the pass keep their units.
		owned, err := r.ownedUnits(ctx, active)
		if err != nil {
			r.metrics.RecordSweep("reconcile", "error", time.Since(began).Seconds())
			return report, err
		}
		purged, _ := r.purge(ctx, running, owned, !r.opts.PurgeOrphans)
		report.Purged = len(purged)
	}

	if r.opts.InactiveRetention > 0 {
		n, err := r.store.PruneInactive(ctx, r.now().Add(-r.opts.InactiveRetention))
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to prune inactive sessions")
		} else {
			report.Pruned = n
		}
	}

	outcome := "ok"
	if report.ListingFailed {
		outcome = "degraded"
	}
	r.metrics.RecordSweep("reconcile", outcome, time.Since(began).Seconds())
	if report.AutoStopped+report.Demoted+report.Purged+report.Pruned > 0 {
		r.logger.Info().Int("auto_stopped", report.AutoStopped).Int("demoted", report.Demoted).
			Int("purged", report.Purged).Int("pruned", report.Pruned).Msg("Reconcile pass changed state")
	}
	return report, nil
}

// CleanupOrphans stops and removes every running unit that no active
// session owns, and every recovered placeholder.
func (r *Reconciler) CleanupOrphans(ctx context.Context) (CleanupReport, error) {
	report := CleanupReport{Purged: []string{}}
	if !r.TryBegin() {
		r.logger.Info().Msg("Sweep already in progress, skipping orphan cleanup")
		r.metrics.RecordSweep("cleanup", "skipped", 0)
		return CleanupReport{Skipped: true, Purged: []string{}}, nil
	}
	defer r.End()
	began := time.Now()

	running, err := r.listRunning(ctx)
	if err != nil {
		r.metrics.RecordSweep("cleanup", "error", time.Since(began).Seconds())
		return report, fmt.Errorf("%w: listing running units: %v", serrors.ErrUnavailable, err)
	}
	owned, err := r.ownedUnits(ctx, nil)
	if err != nil {
		r.metrics.RecordSweep("cleanup", "error", time.Since(began).Seconds())
		return report, err
	}

	report.Purged, report.Failed = r.purge(ctx, running, owned, false)
	if report.Purged == nil {
		report.Purged = []string{}
	}
	r.metrics.RecordSweep("cleanup", "ok", time.Since(began).Seconds())
	r.logger.Info().Int("purged", len(report.Purged)).Int("failed", len(report.Failed)).Msg("Orphan cleanup completed")
	return report, nil
}

// ownedUnits returns the unit identifiers of the currently active sessions
// plus those of extra.
func (r *Reconciler) ownedUnits(ctx context.Context, extra []*models.Session) (map[string]bool, error) {
	active, err := r.store.ListSessions(ctx, models.StatusActive)
	if err != nil {
		return nil, serrors.Store("list active sessions", err)
	}
	owned := make(map[string]bool, len(active)+len(extra))
	for _, sess := range append(active, extra...) {
		if sess.UnitID != "" {
			owned[sess.UnitID] = true
		}
	}
	return owned, nil
}

// listRunning lists running units, retrying once on timeouts.
func (r *Reconciler) listRunning(ctx context.Context) ([]supervisor.UnitRef, error) {
	policy := retry.ListingPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Unit listing failed, retrying")
	}

	var units []supervisor.UnitRef
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
		var err error
		units, err = r.sup.ListRunningUnits(qctx)
		return err
	})
	return units, err
}

// autoStop stops active sessions and armed one-time schedules whose planned
// stop has passed while their unit is still running. It returns the names
// it stopped.
func (r *Reconciler) autoStop(ctx context.Context, active []*models.Session,
	defs []*models.ScheduleDefinition, running []supervisor.UnitRef) map[string]bool {
	now := r.now()
	isRunning := make(map[string]bool, len(running))
	for _, ref := range running {
		isRunning[ref.ID] = true
	}

	stopped := make(map[string]bool)
	stop := func(name, unitID string, at time.Time) {
		if stopped[name] || !isRunning[unitID] || !now.After(at) {
			return
		}
		log := r.logger.With().Str("session", name).Time("planned_stop", at).Logger()
		log.Info().Msg("Planned stop passed, stopping session")
		if err := r.lifecycle.StopScheduledStreaming(ctx, name); err != nil {
			log.Error().Err(err).Msg("Auto-stop failed")
			return
		}
		stopped[name] = true
	}

	for _, def := range defs {
		if at := def.StopAt(); at != nil {
			stop(def.SessionName, def.UnitID, *at)
		}
	}
	for _, sess := range active {
		if sess.PlannedStop != nil && sess.UnitID != "" {
			stop(sess.Name, sess.UnitID, *sess.PlannedStop)
		}
	}
	return stopped
}

// demoteStale moves active records with no running unit to inactive.
func (r *Reconciler) demoteStale(ctx context.Context, active []*models.Session,
	running []supervisor.UnitRef, skip map[string]bool) int {
	isRunning := make(map[string]bool, len(running))
	for _, ref := range running {
		isRunning[ref.ID] = true
	}

	demoted := 0
	for _, sess := range active {
		if skip[sess.Name] || isRunning[sess.UnitID] {
			continue
		}
		log := r.logger.With().Str("session", sess.Name).Str("unit", supervisor.UnitPrefix+sess.UnitID).Logger()
		if err := r.lifecycle.Demote(ctx, sess); err != nil {
			log.Error().Err(err).Msg("Failed to demote stale session")
			continue
		}
		log.Info().Msg("Unit not running, session moved to inactive")
		demoted++
	}
	return demoted
}

// purge stops and removes units no active session owns. With placeholdersOnly
// set, only recovered placeholders are purged.
func (r *Reconciler) purge(ctx context.Context, running []supervisor.UnitRef,
	owned map[string]bool, placeholdersOnly bool) (purged, failed []string) {
	for _, ref := range running {
		orphan := ref.Recovered() || (!placeholdersOnly && !owned[ref.ID])
		if !orphan {
			continue
		}
		log := r.logger.With().Str("unit", ref.Name).Bool("placeholder", ref.Recovered()).Logger()
		if err := r.sup.StopUnit(ctx, ref); err != nil {
			log.Warn().Err(err).Msg("Failed to stop orphaned unit")
		}
		if err := r.sup.RemoveUnit(ctx, ref); err != nil {
			log.Error().Err(err).Msg("Failed to remove orphaned unit")
			failed = append(failed, ref.Name)
			continue
		}
		log.Info().Msg("Orphaned unit purged")
		r.metrics.RecordOrphanPurged()
		purged = append(purged, ref.Name)
	}
	return purged, failed
}
