package recorder

import (
	"time"

	"statrelay/internal/metrics"
)

// NoopRecorder satisfies the Recorder contract without retaining or
// publishing anything. Every factory call returns a fresh, unregistered
// instrument that callers may mutate freely; useful as a stand-in where
// metrics are disabled.
type NoopRecorder struct{}

var _ Recorder = (*NoopRecorder)(nil)

// NewNoopRecorder creates a no-op recorder.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

// Counter returns a fresh counter not tracked by the recorder.
func (r *NoopRecorder) Counter(name string, opts ...InstrumentOption) (*metrics.Counter, error) {
	o := applyInstrumentOptions(opts)
	if !isIntegral(o.initialValue) {
		return nil, errNonIntegralInitialValue("counter", name, o.initialValue)
	}
	return metrics.NewCounter(name, int64(o.initialValue), o.tags)
}

// Gauge returns a fresh gauge not tracked by the recorder.
func (r *NoopRecorder) Gauge(name string, opts ...InstrumentOption) (*metrics.Gauge, error) {
	o := applyInstrumentOptions(opts)
	if !isIntegral(o.initialValue) {
		return nil, errNonIntegralInitialValue("gauge", name, o.initialValue)
	}
	return metrics.NewGauge(name, int64(o.initialValue), o.tags)
}

// Histogram returns a fresh histogram not tracked by the recorder.
func (r *NoopRecorder) Histogram(name string, opts ...InstrumentOption) (*metrics.Histogram, error) {
	o := applyInstrumentOptions(opts)
	return metrics.NewHistogram(name, o.initialValue, o.tags)
}

// Timer returns a fresh timer not tracked by the recorder.
func (r *NoopRecorder) Timer(name string, opts ...InstrumentOption) (*metrics.Timer, error) {
	o := applyInstrumentOptions(opts)
	return metrics.NewTimer(name, o.initialValue, o.resolution, o.tags)
}

// GetAllMetrics always returns an empty batch.
func (r *NoopRecorder) GetAllMetrics() []metrics.Metric {
	return nil
}

// PublishAll is a no-op.
func (r *NoopRecorder) PublishAll() {}

// PublishIfFullOrOld is a no-op.
func (r *NoopRecorder) PublishIfFullOrOld(maxMetrics int, maxAge time.Duration) {}

// ThrottledPublishAll is a no-op.
func (r *NoopRecorder) ThrottledPublishAll(delay time.Duration) {}

// Clear is a no-op.
func (r *NoopRecorder) Clear(onlyPublished bool) {}
