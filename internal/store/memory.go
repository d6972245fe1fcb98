package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/streamhib/internal/models"
)

// Memory is an in-process store with the same semantics as Store.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	schedules map[string]*models.ScheduleDefinition // keyed by ID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*models.Session),
		schedules: make(map[string]*models.ScheduleDefinition),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) PutSession(_ context.Context, sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Name] = sess.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, name string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name].Clone(), nil
}

func (m *Memory) GetSessionByUnit(_ context.Context, unitID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Session
	for _, sess := range m.sessions {
		if sess.UnitID != unitID {
			continue
		}
		if found == nil || (sess.Active() && !found.Active()) {
			found = sess
		}
	}
	return found.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, status models.SessionStatus) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, sess := range m.sessions {
		if status == "" || sess.Status == status {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	delete(m.sessions, name)
	return ok, nil
}

func (m *Memory) DeleteSessionsByStatus(_ context.Context, status models.SessionStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, sess := range m.sessions {
		if sess.Status == status {
			delete(m.sessions, name)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PruneInactive(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, sess := range m.sessions {
		if sess.Status == models.StatusInactive && sess.StoppedAt != nil && sess.StoppedAt.Before(cutoff) {
			delete(m.sessions, name)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PutSchedule(_ context.Context, def *models.ScheduleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.schedules {
		if existing.SessionName == def.SessionName {
			delete(m.schedules, id)
		}
	}
	c := def.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.schedules[def.ID] = c
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*models.ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedules[id].Clone(), nil
}

func (m *Memory) GetScheduleByName(_ context.Context, name string) (*models.ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.schedules {
		if def.SessionName == name {
			return def.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]*models.ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ScheduleDefinition, 0, len(m.schedules))
	for _, def := range m.schedules {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.schedules[id]
	delete(m.schedules, id)
	return ok, nil
}

func (m *Memory) DeleteScheduleByName(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, def := range m.schedules {
		if def.SessionName == name {
			delete(m.schedules, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ReplaceSchedules(_ context.Context, defs []*models.ScheduleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]*models.ScheduleDefinition, len(defs))
	for _, def := range defs {
		c := def.Clone()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		m.schedules[def.ID] = c
	}
	return nil
}
