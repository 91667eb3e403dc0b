// Package recorder owns the in-memory accumulation of metric instruments and
// decides when an accumulated batch is handed to the configured publishers.
// Application code obtains instruments from a recorder by (name, tags)
// identity, mutates them directly, and periodically triggers publication.
//
// A recorder assumes a single logical flow of control; callers that share one
// across goroutines must serialize access externally.
package recorder

import (
	"fmt"
	"math"
	"time"

	"statrelay/internal/metrics"
	"statrelay/internal/publish"
)

// Publication cadence defaults. The metric-count threshold keeps a typical
// flush inside a single UDP datagram under common container MTUs.
const (
	DefaultMaxMetricsBeforePublish = 18
	DefaultMaxPublishAge           = 10 * time.Second
	DefaultPublishDelay            = 10 * time.Second
)

// now is the clock source used for publish timestamps; tests substitute it.
var now = time.Now

// Recorder is the contract for metric accumulation and publication.
type Recorder interface {
	// Counter returns the counter registered under the given name and tags,
	// creating it on first access.
	Counter(name string, opts ...InstrumentOption) (*metrics.Counter, error)

	// Gauge returns the gauge registered under the given name and tags,
	// creating a replacement only when none exists or ForceNew is requested.
	// Repeated sets on the shared gauge are last-write-wins.
	Gauge(name string, opts ...InstrumentOption) (*metrics.Gauge, error)

	// Histogram returns the most recent still-valueless histogram registered
	// under the given name and tags, appending a new generation when none
	// exists, ForceNew is requested, or the most recent one already holds a
	// value pending publication.
	Histogram(name string, opts ...InstrumentOption) (*metrics.Histogram, error)

	// Timer behaves like Histogram for timers. The timer resolution is not
	// part of the registration identity.
	Timer(name string, opts ...InstrumentOption) (*metrics.Timer, error)

	// GetAllMetrics snapshots the current batch: every counter, plus every
	// gauge, histogram, and timer generation currently holding a value, in
	// that category order.
	GetAllMetrics() []metrics.Metric

	// PublishAll dispatches the current batch to the configured publishers,
	// clears consumed instruments, and advances the last-publish timestamp.
	PublishAll()

	// PublishIfFullOrOld triggers PublishAll when the unpublished-instrument
	// count has reached maxMetrics or maxAge has elapsed since the last
	// publication.
	PublishIfFullOrOld(maxMetrics int, maxAge time.Duration)

	// ThrottledPublishAll triggers PublishAll, but only when at least delay
	// has elapsed since the last publication.
	ThrottledPublishAll(delay time.Duration)

	// Clear drops accumulated instruments: all of them, or only those whose
	// value has been consumed when onlyPublished is set.
	Clear(onlyPublished bool)
}

// ConfigSource supplies a publication configuration discovered from the host
// application's environment. A source returns (nil, nil) when no
// configuration is available; that absence is tolerated, while malformed
// configuration is returned as an error and fails recorder construction.
type ConfigSource interface {
	MetricsConfiguration() (*publish.Configuration, error)
}

// instrumentOptions collects the optional parameters of a recorder factory
// method.
type instrumentOptions struct {
	initialValue float64
	resolution   metrics.TimerResolution
	forceNew     bool
	tags         metrics.Tags
}

// InstrumentOption customizes a single recorder factory call.
type InstrumentOption func(*instrumentOptions)

// WithInitialValue sets the instrument's initial value. Counters and gauges
// require a non-negative integer; histograms and timers accept any
// non-negative number.
func WithInitialValue(value float64) InstrumentOption {
	return func(o *instrumentOptions) {
		o.initialValue = value
	}
}

// WithResolution sets a timer's resolution multiplier. Ignored by the other
// factory methods.
func WithResolution(resolution metrics.TimerResolution) InstrumentOption {
	return func(o *instrumentOptions) {
		o.resolution = resolution
	}
}

// ForceNew forces creation of a new instrument generation even when a
// still-valueless one exists under the same registration identity.
func ForceNew() InstrumentOption {
	return func(o *instrumentOptions) {
		o.forceNew = true
	}
}

// WithTag attaches a single tag to the instrument's registration identity.
func WithTag(key string, value interface{}) InstrumentOption {
	return func(o *instrumentOptions) {
		if o.tags == nil {
			o.tags = metrics.Tags{}
		}
		o.tags[key] = value
	}
}

// WithTags attaches a set of tags to the instrument's registration identity.
func WithTags(tags metrics.Tags) InstrumentOption {
	return func(o *instrumentOptions) {
		if len(tags) == 0 {
			return
		}
		if o.tags == nil {
			o.tags = metrics.Tags{}
		}
		for key, value := range tags {
			o.tags[key] = value
		}
	}
}

func applyInstrumentOptions(opts []InstrumentOption) instrumentOptions {
	var o instrumentOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// isIntegral reports whether a float carries no fractional part, for
// instrument types restricted to integer initial values.
func isIntegral(value float64) bool {
	return value == math.Trunc(value)
}

func errNonIntegralInitialValue(kind string, name string, value float64) error {
	return fmt.Errorf("recorder: %s initial value must be an integer: name=%s value=%v", kind, name, value)
}
