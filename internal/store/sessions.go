package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/streamhib/internal/models"
)

const sessionColumns = `name, unit_id, media, credential, platform, status, origin,
	started_at, stopped_at, planned_stop, duration_mins`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var status, origin string
	var startedAt int64
	var stoppedAt, plannedStop sql.NullInt64

	if err := row.Scan(
		&sess.Name, &sess.UnitID, &sess.Media, &sess.Credential, &sess.Platform,
		&status, &origin, &startedAt, &stoppedAt, &plannedStop, &sess.DurationMins,
	); err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	sess.Origin = models.Origin(origin)
	sess.StartedAt = time.UnixMilli(startedAt)
	sess.StoppedAt = fromMillis(stoppedAt)
	sess.PlannedStop = fromMillis(plannedStop)
	return sess, nil
}

// PutSession writes sess, replacing any record with the same name.
func (s *Store) PutSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.Name, sess.UnitID, sess.Media, sess.Credential, sess.Platform,
		string(sess.Status), string(sess.Origin), sess.StartedAt.UnixMilli(),
		toMillis(sess.StoppedAt), toMillis(sess.PlannedStop), sess.DurationMins,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by name.
func (s *Store) GetSession(ctx context.Context, name string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// GetSessionByUnit retrieves the session bound to a unit identifier.
func (s *Store) GetSessionByUnit(ctx context.Context, unitID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE unit_id = ? ORDER BY status = 'active' DESC LIMIT 1`, unitID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by unit: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions with the given status ordered by start time.
// An empty status lists every session.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at ASC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session by name. It reports whether a row existed.
func (s *Store) DeleteSession(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteSessionsByStatus removes every session in the given status.
func (s *Store) DeleteSessionsByStatus(ctx context.Context, status models.SessionStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// PruneInactive deletes inactive sessions stopped before cutoff.
func (s *Store) PruneInactive(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND stopped_at IS NOT NULL AND stopped_at < ?`,
		string(models.StatusInactive), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune inactive sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
