package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("server", "ok").IsHealthy())
	assert.True(t, NewUnhealthy("server", "down").IsUnhealthy())
	assert.True(t, NewDegraded("server", "slow").IsDegraded())
	assert.False(t, NewDegraded("server", "slow").IsHealthy())
}

func TestWithMetrics(t *testing.T) {
	base := NewHealthy("client", "connected")
	withMetrics := base.WithMetrics(&Metrics{
		Uptime:      time.Minute,
		LinksActive: 1,
	})

	assert.Nil(t, base.Metrics, "WithMetrics must not mutate the receiver")
	require.NotNil(t, withMetrics.Metrics)
	assert.Equal(t, time.Minute, withMetrics.Metrics.Uptime)
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("endpoint", nil).IsHealthy())

	allHealthy := Aggregate("endpoint", []Status{
		NewHealthy("conn-1", "ok"),
		NewHealthy("conn-2", "ok"),
	})
	assert.True(t, allHealthy.IsHealthy())
	assert.Len(t, allHealthy.SubStatuses, 2)

	oneDegraded := Aggregate("endpoint", []Status{
		NewHealthy("conn-1", "ok"),
		NewDegraded("conn-2", "slow"),
	})
	assert.True(t, oneDegraded.IsDegraded())

	oneUnhealthy := Aggregate("endpoint", []Status{
		NewDegraded("conn-1", "slow"),
		NewUnhealthy("conn-2", "gone"),
	})
	assert.True(t, oneUnhealthy.IsUnhealthy())
}
