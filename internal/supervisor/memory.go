package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// ErrUnitNotFound is returned by the memory backend for unknown units.
var ErrUnitNotFound = errors.New("unit not found")

type memUnit struct {
	ref     UnitRef
	spec    ExecSpec
	running bool
	live    bool
}

// Memory is an in-process supervisor. Units never run anything; the state
// is observable and injectable for tests and dry-run deployments.
type Memory struct {
	mu    sync.Mutex
	units map[string]*memUnit
	fail  map[string]error
	calls map[string][]string
}

// NewMemory creates an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		units: make(map[string]*memUnit),
		fail:  make(map[string]error),
		calls: make(map[string][]string),
	}
}

// FailOn makes every subsequent call of op fail with err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls returns the unit names passed to op, in call order.
func (m *Memory) Calls(op string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls[op]...)
}

// SetLive overrides the liveness of a unit without changing whether it is listed.
func (m *Memory) SetLive(id string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[id]; ok {
		u.live = live
	}
}

// Crash marks a unit as neither running nor live.
func (m *Memory) Crash(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[id]; ok {
		u.running, u.live = false, false
	}
}

// AddRunning registers a unit that was started outside this process.
func (m *Memory) AddRunning(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[id] = &memUnit{ref: Ref(id), running: true, live: true}
}

// Spec returns the spec a unit was created with.
func (m *Memory) Spec(id string) (ExecSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return ExecSpec{}, false
	}
	return u.spec, true
}

// Exists reports whether a unit is registered.
func (m *Memory) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.units[id]
	return ok
}

func (m *Memory) record(op, name string) error {
	m.calls[op] = append(m.calls[op], name)
	if err, ok := m.fail[op]; ok {
		return serrors.NewSupervisorError(op, name, err)
	}
	return nil
}

func (m *Memory) CreateUnit(_ context.Context, id string, spec ExecSpec) (UnitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := Ref(id)
	if err := m.record("create", ref.Name); err != nil {
		return ref, err
	}
	if u, ok := m.units[id]; ok {
		u.spec = spec
		return ref, nil
	}
	m.units[id] = &memUnit{ref: ref, spec: spec}
	return ref, nil
}

func (m *Memory) StartUnit(_ context.Context, ref UnitRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("start", ref.Name); err != nil {
		return err
	}
	u, ok := m.units[ref.ID]
	if !ok {
		return serrors.NewSupervisorError("start", ref.Name, ErrUnitNotFound)
	}
	u.running, u.live = true, true
	return nil
}

func (m *Memory) StopUnit(_ context.Context, ref UnitRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("stop", ref.Name); err != nil {
		return err
	}
	if u, ok := m.units[ref.ID]; ok {
		u.running, u.live = false, false
	}
	return nil
}

func (m *Memory) RemoveUnit(_ context.Context, ref UnitRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("remove", ref.Name); err != nil {
		return err
	}
	delete(m.units, ref.ID)
	return nil
}

func (m *Memory) ListRunningUnits(context.Context) ([]UnitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("list", ""); err != nil {
		return nil, err
	}
	var refs []UnitRef
	for _, u := range m.units {
		if u.running {
			refs = append(refs, u.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (m *Memory) QueryLiveness(_ context.Context, ref UnitRef) (Liveness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("liveness", ref.Name); err != nil {
		return Liveness{}, err
	}
	u, ok := m.units[ref.ID]
	switch {
	case !ok:
		return Liveness{Live: false, Raw: "not-found"}, nil
	case u.live:
		return Liveness{Live: true, Raw: "active"}, nil
	case u.running:
		return Liveness{Live: false, Raw: "activating"}, nil
	default:
		return Liveness{Live: false, Raw: "inactive"}, nil
	}
}

var (
	_ Client = (*Memory)(nil)
	_ Client = (*Systemd)(nil)
	_ Client = (*Kubernetes)(nil)

	_ LogReader = (*Systemd)(nil)
	_ LogReader = (*Kubernetes)(nil)
)
