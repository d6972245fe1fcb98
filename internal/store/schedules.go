package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/streamhib/internal/models"
)

const scheduleColumns = `id, session_name, unit_id, platform, credential, media, recurrence,
	start_of_day, stop_of_day, start_at, duration_mins, manual_stop, created_at`

func scanSchedule(row rowScanner) (*models.ScheduleDefinition, error) {
	def := &models.ScheduleDefinition{}
	var recurrence string
	var startAt sql.NullInt64
	var manualStop int
	var createdAt int64

	if err := row.Scan(
		&def.ID, &def.SessionName, &def.UnitID, &def.Platform, &def.Credential, &def.Media,
		&recurrence, &def.StartOfDay, &def.StopOfDay, &startAt, &def.DurationMins,
		&manualStop, &createdAt,
	); err != nil {
		return nil, err
	}

	def.Recurrence = models.Recurrence(recurrence)
	if t := fromMillis(startAt); t != nil {
		def.StartAt = *t
	}
	def.ManualStop = manualStop != 0
	def.CreatedAt = time.UnixMilli(createdAt)
	return def, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSchedule(ctx context.Context, ex execer, def *models.ScheduleDefinition) error {
	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var startAt *time.Time
	if def.Recurrence == models.RecurrenceOneTime {
		startAt = &def.StartAt
	}
	manualStop := 0
	if def.ManualStop {
		manualStop = 1
	}

	query := `INSERT INTO schedules (` + scheduleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.ExecContext(ctx, query,
		def.ID, def.SessionName, def.UnitID, def.Platform, def.Credential, def.Media,
		string(def.Recurrence), def.StartOfDay, def.StopOfDay, toMillis(startAt),
		def.DurationMins, manualStop, createdAt.UnixMilli(),
	)
	return err
}

// PutSchedule stores def, superseding any definition with the same session
// name or ID in one transaction.
func (s *Store) PutSchedule(ctx context.Context, def *models.ScheduleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedules WHERE session_name = ? OR id = ?`, def.SessionName, def.ID,
	); err != nil {
		return fmt.Errorf("failed to delete superseded schedule: %w", err)
	}
	if err := insertSchedule(ctx, tx, def); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule definition by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*models.ScheduleDefinition, error) {
	return s.getScheduleWhere(ctx, `id = ?`, id)
}

// GetScheduleByName retrieves the schedule definition for a session name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*models.ScheduleDefinition, error) {
	return s.getScheduleWhere(ctx, `session_name = ?`, name)
}

func (s *Store) getScheduleWhere(ctx context.Context, where string, arg any) (*models.ScheduleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE `+where, arg)
	def, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return def, nil
}

// ListSchedules returns every schedule definition ordered by creation.
func (s *Store) ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var defs []*models.ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeleteSchedule removes a schedule definition by ID.
func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	return s.deleteScheduleWhere(ctx, `id = ?`, id)
}

// DeleteScheduleByName removes the schedule definition for a session name.
func (s *Store) DeleteScheduleByName(ctx context.Context, name string) (bool, error) {
	return s.deleteScheduleWhere(ctx, `session_name = ?`, name)
}

func (s *Store) deleteScheduleWhere(ctx context.Context, where string, arg any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE `+where, arg)
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReplaceSchedules atomically replaces the persisted set with defs.
func (s *Store) ReplaceSchedules(ctx context.Context, defs []*models.ScheduleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
		return fmt.Errorf("failed to clear schedules: %w", err)
	}
	for _, def := range defs {
		if err := insertSchedule(ctx, tx, def); err != nil {
			return fmt.Errorf("failed to save schedule %s: %w", def.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedules: %w", err)
	}
	return nil
}
