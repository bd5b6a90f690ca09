package cooldown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimerIsReady(t *testing.T) {
	timer := New()
	assert.True(t, timer.IsReady())
	assert.Zero(t, timer.State().RemainingSeconds)
	assert.True(t, timer.State().Ready())
}

func TestArmAndExpire(t *testing.T) {
	timer := New()
	require.True(t, timer.Arm(DefaultSeconds))

	for i := 1; i < DefaultSeconds; i++ {
		timer.Tick()
		assert.False(t, timer.IsReady(), "ready too early after %d ticks", i)
		assert.Equal(t, DefaultSeconds-i, timer.State().RemainingSeconds)
	}

	timer.Tick()
	assert.True(t, timer.IsReady())
	assert.Zero(t, timer.State().RemainingSeconds)

	// frozen at zero
	timer.Tick()
	timer.Tick()
	assert.Zero(t, timer.State().RemainingSeconds)
}

func TestArmWhileCountingIsNoop(t *testing.T) {
	timer := New()
	require.True(t, timer.Arm(30))

	for i := 0; i < 5; i++ {
		timer.Tick()
	}

	assert.False(t, timer.Arm(30))
	assert.Equal(t, 25, timer.State().RemainingSeconds)

	assert.False(t, timer.Arm(100))
	assert.Equal(t, 25, timer.State().RemainingSeconds)
}

func TestRearmAfterExpiry(t *testing.T) {
	timer := New()
	require.True(t, timer.Arm(2))
	timer.Tick()
	timer.Tick()

	assert.True(t, timer.Arm(3))
	assert.Equal(t, 3, timer.State().RemainingSeconds)
}

func TestArmRejectsNonPositive(t *testing.T) {
	timer := New()
	assert.False(t, timer.Arm(0))
	assert.False(t, timer.Arm(-5))
	assert.True(t, timer.IsReady())
}
