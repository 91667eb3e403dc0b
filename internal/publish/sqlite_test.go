package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statrelay/internal/metrics"
)

func TestSqlitePublisherWritesAllInstrumentTypes(t *testing.T) {
	p := NewSqlitePublisher(MemoryDatabaseName)
	defer p.Close()

	counter := mustCounter(t, "requests", 3, nil)

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)
	_, err = gauge.Set(7)
	require.NoError(t, err)

	histogram, err := metrics.NewHistogram("latency", 0, nil)
	require.NoError(t, err)
	_, err = histogram.Set(12.4)
	require.NoError(t, err)

	timer, err := metrics.NewTimer("duration", 0, metrics.Milliseconds, nil)
	require.NoError(t, err)
	_, err = timer.Set(250)
	require.NoError(t, err)

	p.Publish([]metrics.Metric{counter, gauge, histogram, timer}, nil, false)

	require.NotNil(t, p.db)

	var name string
	var value int64
	require.NoError(t, p.db.QueryRow(
		"SELECT metric_name, metric_value FROM statrelay_counters",
	).Scan(&name, &value))
	assert.Equal(t, "requests", name)
	assert.Equal(t, int64(3), value)

	require.NoError(t, p.db.QueryRow(
		"SELECT metric_value FROM statrelay_gauges WHERE metric_name = ?", "depth",
	).Scan(&value))
	assert.Equal(t, int64(7), value)

	require.NoError(t, p.db.QueryRow(
		"SELECT metric_value FROM statrelay_histograms WHERE metric_name = ?", "latency",
	).Scan(&value))
	assert.Equal(t, int64(12), value)

	// Timers are stored in seconds.
	var seconds float64
	require.NoError(t, p.db.QueryRow(
		"SELECT metric_value FROM statrelay_timers WHERE metric_name = ?", "duration",
	).Scan(&seconds))
	assert.InDelta(t, 0.25, seconds, 1e-9)
}

func TestSqlitePublisherReplacesGaugesByName(t *testing.T) {
	p := NewSqlitePublisher("")
	defer p.Close()

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)

	_, err = gauge.Set(1)
	require.NoError(t, err)
	p.Publish([]metrics.Metric{gauge}, nil, false)

	_, err = gauge.Set(5)
	require.NoError(t, err)
	p.Publish([]metrics.Metric{gauge}, nil, false)

	var count, value int64
	require.NoError(t, p.db.QueryRow(
		"SELECT COUNT(*), metric_value FROM statrelay_gauges WHERE metric_name = ?", "depth",
	).Scan(&count, &value))
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(5), value)
}

func TestSqlitePublisherSkipsValueless(t *testing.T) {
	p := NewSqlitePublisher(MemoryDatabaseName)
	defer p.Close()

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)

	p.Publish([]metrics.Metric{gauge}, nil, false)

	// Nothing valued means no database work at all.
	assert.Nil(t, p.db)
}

func TestSqlitePublisherAppendsCounters(t *testing.T) {
	p := NewSqlitePublisher(MemoryDatabaseName)
	defer p.Close()

	p.Publish([]metrics.Metric{mustCounter(t, "requests", 1, nil)}, nil, false)
	p.Publish([]metrics.Metric{mustCounter(t, "requests", 2, nil)}, nil, false)

	var count int64
	require.NoError(t, p.db.QueryRow(
		"SELECT COUNT(*) FROM statrelay_counters WHERE metric_name = ?", "requests",
	).Scan(&count))
	assert.Equal(t, int64(2), count)
}
