// Package store persists sessions and schedule definitions.
//
// Two implementations are provided: Store (SQLite via modernc.org/sqlite) for
// real deployments and Memory for tests and dry runs. Both return nil, nil
// from getters when the record does not exist.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Backend is the operation set shared by Store and Memory.
type Backend interface {
	PutSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, name string) (*models.Session, error)
	GetSessionByUnit(ctx context.Context, unitID string) (*models.Session, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	DeleteSession(ctx context.Context, name string) (bool, error)
	DeleteSessionsByStatus(ctx context.Context, status models.SessionStatus) (int, error)
	PruneInactive(ctx context.Context, cutoff time.Time) (int, error)

	PutSchedule(ctx context.Context, def *models.ScheduleDefinition) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduleDefinition, error)
	GetScheduleByName(ctx context.Context, name string) (*models.ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]*models.ScheduleDefinition, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	DeleteScheduleByName(ctx context.Context, name string) (bool, error)
	ReplaceSchedules(ctx context.Context, defs []*models.ScheduleDefinition) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Memory)(nil)
)

// Store manages the SQLite database
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Store initialized successfully")
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for testing)
func (s *Store) DB() *sql.DB {
	return s.db
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
