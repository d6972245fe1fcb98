package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("supervisor", func(ctx context.Context) Status { return StatusOK })

	_, ok := c.Ready(context.Background())
	assert.True(t, ok)
	assert.Len(t, c.Last(), 2)
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("scheduler", func(ctx context.Context) Status { return StatusDown })

	results, ok := c.Ready(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StatusDown, results["scheduler"])
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("supervisor", func(ctx context.Context) Status { return StatusDegraded })

	results, ok := c.Ready(context.Background())
	assert.True(t, ok)
	assert.Equal(t, StatusDegraded, Overall(results))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	_, ok := c.Ready(context.Background())
	assert.True(t, ok)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })
	down := PingCheck(func(context.Context) error { return errors.New("closed") })

	assert.Equal(t, StatusOK, ok(context.Background()))
	assert.Equal(t, StatusDown, down(context.Background()))
}

func TestDegradedOnError(t *testing.T) {
	check := DegradedOnError(func(context.Context) error { return errors.New("dbus") })
	assert.Equal(t, StatusDegraded, check(context.Background()))
}

func TestFlagCheck(t *testing.T) {
	ready := false
	check := FlagCheck(func() bool { return ready })
	assert.Equal(t, StatusDown, check(context.Background()))

	ready = true
	assert.Equal(t, StatusOK, check(context.Background()))
}

func TestOverall(t *testing.T) {
	assert.Equal(t, StatusOK, Overall(nil))
	assert.Equal(t, StatusDegraded, Overall(map[string]Status{"a": StatusOK, "b": StatusDegraded}))
	assert.Equal(t, StatusDown, Overall(map[string]Status{"a": StatusDegraded, "b": StatusDown}))
}
