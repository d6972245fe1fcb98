package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

func TestMemory_Lifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.CreateUnit(ctx, "a", DefaultExecSpec("a", "/v.mp4", "rtmp://x/k"))
	require.NoError(t, err)
	assert.True(t, m.Exists("a"))

	live, err := m.QueryLiveness(ctx, ref)
	require.NoError(t, err)
	assert.False(t, live.Live)

	require.NoError(t, m.StartUnit(ctx, ref))
	refs, err := m.ListRunningUnits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []UnitRef{ref}, refs)

	m.SetLive("a", false)
	live, err = m.QueryLiveness(ctx, ref)
	require.NoError(t, err)
	assert.False(t, live.Live)
	assert.Equal(t, "activating", live.Raw)

	require.NoError(t, m.StopUnit(ctx, ref))
	require.NoError(t, m.RemoveUnit(ctx, ref))
	assert.False(t, m.Exists("a"))

	assert.Equal(t, []string{"stream-a"}, m.Calls("start"))
	assert.Equal(t, []string{"stream-a"}, m.Calls("remove"))
}

func TestMemory_FailOn(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailOn("create", errors.New("disk full"))

	_, err := m.CreateUnit(ctx, "a", ExecSpec{})
	assert.ErrorIs(t, err, serrors.ErrSupervisorFailure)
	assert.False(t, m.Exists("a"))

	m.FailOn("create", nil)
	_, err = m.CreateUnit(ctx, "a", ExecSpec{})
	assert.NoError(t, err)
}

func TestMemory_StartUnknown(t *testing.T) {
	m := NewMemory()
	err := m.StartUnit(context.Background(), Ref("ghost"))
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestMemory_CrashAndAddRunning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.AddRunning("orphan")
	m.AddRunning("b")
	m.Crash("b")

	refs, err := m.ListRunningUnits(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "orphan", refs[0].ID)
}
