package pluginhost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitStateAllowsUntilThresholdFailures(t *testing.T) {
	c := newCircuitState()
	c.threshold = 3
	now := time.Now()

	for i := 0; i < 2; i++ {
		require.True(t, c.allow(now))
		c.recordFailure(now)
	}

	require.True(t, c.allow(now), "circuit should stay closed below threshold")
	require.False(t, c.isOpen())
}

func TestCircuitStateOpensAtThresholdAndBlocksUntilCooldown(t *testing.T) {
	c := newCircuitState()
	c.threshold = 2
	c.cooldown = 50 * time.Millisecond
	now := time.Now()

	c.recordFailure(now)
	c.recordFailure(now)

	require.True(t, c.isOpen())
	require.False(t, c.allow(now), "circuit should block immediately after opening")
	require.True(t, c.allow(now.Add(60*time.Millisecond)), "circuit should allow a trial call after cooldown")
}

func TestCircuitStateRecordSuccessCloses(t *testing.T) {
	c := newCircuitState()
	c.threshold = 1
	now := time.Now()

	c.recordFailure(now)
	require.True(t, c.isOpen())

	c.recordSuccess()

	require.False(t, c.isOpen())
	require.True(t, c.allow(now))
}
