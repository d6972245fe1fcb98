// Package supervisor abstracts the OS-level service supervisor that runs
// stream units. Backends: systemd (systemctl --user), kubernetes (one
// Deployment per unit) and an in-process memory backend.
package supervisor

import (
	"context"
	"strings"
)

// UnitPrefix is prepended to every unit identifier to form the unit name.
const UnitPrefix = "stream-"

// RecoveredPrefix marks placeholder units left by an earlier recovery pass.
// They are always treated as orphans.
const RecoveredPrefix = "recovered-"

// UnitRef identifies one supervisor unit.
type UnitRef struct {
	ID   string `json:"id"`   // sanitized session identifier
	Name string `json:"name"` // backend unit name, e.g. stream-<id>
}

// Ref builds the UnitRef for a sanitized identifier.
func Ref(id string) UnitRef {
	return UnitRef{ID: id, Name: UnitPrefix + id}
}

// RefFromName parses a unit name back to its UnitRef. ok is false when the
// name does not follow the stream-<id> convention.
func RefFromName(name string) (UnitRef, bool) {
	name = strings.TrimSuffix(name, ".service")
	if !strings.HasPrefix(name, UnitPrefix) || len(name) == len(UnitPrefix) {
		return UnitRef{}, false
	}
	return UnitRef{ID: strings.TrimPrefix(name, UnitPrefix), Name: name}, true
}

// Recovered reports whether the unit is a recovered placeholder.
func (r UnitRef) Recovered() bool {
	return strings.HasPrefix(r.ID, RecoveredPrefix)
}

// Liveness is the result of a liveness query.
type Liveness struct {
	Live bool   `json:"live"`
	Raw  string `json:"raw_status"`
}

// Client is the process supervisor contract consumed by the lifecycle
// manager and the health reconciler.
type Client interface {
	CreateUnit(ctx context.Context, id string, spec ExecSpec) (UnitRef, error)
	StartUnit(ctx context.Context, ref UnitRef) error
	// StopUnit stops gracefully within the backend's stop timeout, then
	// escalates to a forced kill.
	StopUnit(ctx context.Context, ref UnitRef) error
	RemoveUnit(ctx context.Context, ref UnitRef) error
	ListRunningUnits(ctx context.Context) ([]UnitRef, error)
	QueryLiveness(ctx context.Context, ref UnitRef) (Liveness, error)
}

// LogReader is implemented by backends that can return recent unit output.
type LogReader interface {
	UnitLogs(ctx context.Context, ref UnitRef, lines int) (string, error)
}
