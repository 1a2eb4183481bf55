package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(Config{DiskPath: t.TempDir()})
	m, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Positive(t, m.CPUCores)
	assert.Positive(t, m.MemoryTotalBytes)
	assert.Positive(t, m.GoroutineCount)

	again, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, again, "cached within the cache duration")
}

func TestCollector_Check(t *testing.T) {
	c := NewCollector(Config{Thresholds: Thresholds{CPUCritical: 50}})
	issues := c.Check(&SystemMetrics{CPUUsage: 80, MemoryUsage: 10, DiskUsage: 99, DiskPath: "/data"})
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "CPU")
	assert.Contains(t, issues[1], "/data")
	assert.Empty(t, c.Check(&SystemMetrics{}))
}
