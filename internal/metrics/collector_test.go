package metrics_test

import (
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpDBWrite, 10*time.Millisecond)
	c.RecordTiming(metrics.OpDBWrite, 30*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.DBWrite)
	assert.EqualValues(t, 2, snap.DBWrite.Count)
	assert.EqualValues(t, 10, snap.DBWrite.MinTimeMs)
	assert.EqualValues(t, 30, snap.DBWrite.MaxTimeMs)
	assert.InDelta(t, 20.0, snap.DBWrite.AvgTimeMs, 0.001)
	assert.Nil(t, snap.Poll, "operations without samples are omitted")
	assert.Nil(t, snap.DBWrite.TotalInputTokens)
}

func TestRecordLLMUsage(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordLLMUsage(metrics.OpBotInference, time.Second, 100, 20)
	c.RecordLLMUsage(metrics.OpBotInference, time.Second, 50, 40)

	snap := c.Snapshot().BotInference
	require.NotNil(t, snap)
	require.NotNil(t, snap.TotalInputTokens)
	assert.EqualValues(t, 150, *snap.TotalInputTokens)
	assert.EqualValues(t, 50, *snap.MinInputTokens)
	assert.EqualValues(t, 40, *snap.MaxOutputTokens)
}

func TestCounters(t *testing.T) {
	c := metrics.NewCollector()
	c.Inc(metrics.CounterDuplicateDropped)
	c.Add(metrics.CounterDuplicateDropped, 2)
	c.Add(metrics.CounterReconnected, 0)

	assert.EqualValues(t, 3, c.Counter(metrics.CounterDuplicateDropped))
	snap := c.Snapshot()
	assert.Equal(t, map[string]int64{metrics.CounterDuplicateDropped: 3}, snap.Counters)
}

func TestNilCollectorDiscards(t *testing.T) {
	var c *metrics.Collector
	c.Inc(metrics.CounterSendFailed)
	c.RecordTiming(metrics.OpPoll, time.Second)
	c.RecordLLMUsage(metrics.OpBotInference, time.Second, 1, 1)
	assert.Zero(t, c.Counter(metrics.CounterSendFailed))
	assert.Equal(t, metrics.Snapshot{}, c.Snapshot())
}
