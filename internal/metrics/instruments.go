package metrics

import (
	"fmt"
	"math"
	"time"
)

// Tags is a set of named scalar dimensions attached to an instrument. Values
// may be strings, integers, floats, booleans, or nil; publishers that support
// dimensional metrics forward them, others ignore them. Key iteration order is
// irrelevant; instruments with equal names and equal tag sets are considered
// identical by the recorder.
type Tags map[string]interface{}

// TimerResolution is the unit multiplier applied to a timer's accumulated
// elapsed time before emission.
type TimerResolution int64

const (
	// Milliseconds multiplies accumulated seconds by 1,000 before rounding.
	Milliseconds TimerResolution = 1e3
	// Microseconds multiplies accumulated seconds by 1,000,000 before rounding.
	Microseconds TimerResolution = 1e6
	// Nanoseconds multiplies accumulated seconds by 1,000,000,000 before rounding.
	Nanoseconds TimerResolution = 1e9
)

// now is the clock source used by timers; tests substitute it to freeze time.
var now = time.Now

// Metric is the read-side contract shared by all instrument types. It is a
// closed set: Counter, Gauge, Histogram, and Timer are the only
// implementations.
type Metric interface {
	// Name returns the metric name.
	Name() string

	// Tags returns the tag set associated with this metric. Callers must
	// treat the returned map as read-only.
	Tags() Tags

	// Value returns the current integer value of the metric, rounded where
	// the underlying value is fractional. The boolean reports whether the
	// metric holds a value at all; instruments other than counters start
	// without one.
	Value() (int64, bool)

	sealed()
}

// common carries the identity fields shared by all instruments.
type common struct {
	name string
	tags Tags
}

// Name returns the metric name.
func (c *common) Name() string {
	return c.name
}

// Tags returns the tag set associated with this metric.
func (c *common) Tags() Tags {
	return c.tags
}

func (c *common) sealed() {}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("metrics: metric names must be non-empty")
	}
	return nil
}

// Counter is a monotonic metric: its value is the initial value plus the sum
// of all increments since the last reset.
type Counter struct {
	common
	initial int64
	value   int64
}

// NewCounter creates a counter with the specified name, non-negative initial
// value, and tags.
func NewCounter(name string, initialValue int64, tags Tags) (*Counter, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if initialValue < 0 {
		return nil, fmt.Errorf("metrics: counter initial values must be non-negative integers")
	}

	return &Counter{
		common:  common{name: name, tags: tags},
		initial: initialValue,
		value:   initialValue,
	}, nil
}

// Increment adds the specified positive amount to the counter and returns the
// new value.
func (c *Counter) Increment(amount int64) (int64, error) {
	if amount <= 0 {
		return c.value, fmt.Errorf("metrics: counter increments must be positive")
	}

	c.value += amount
	return c.value, nil
}

// Reset returns the counter to its initial value.
func (c *Counter) Reset() int64 {
	c.value = c.initial
	return c.value
}

// ResetTo sets the counter to an explicit non-negative value.
func (c *Counter) ResetTo(value int64) (int64, error) {
	if value < 0 {
		return c.value, fmt.Errorf("metrics: counter values must be non-negative integers")
	}

	c.value = value
	return c.value, nil
}

// Value returns the current counter value. Counters always hold a value.
func (c *Counter) Value() (int64, bool) {
	return c.value, true
}

// Record increments the counter by one and then invokes f, returning f's
// error unaltered.
func (c *Counter) Record(f func() error) error {
	c.value++
	return f()
}

// Gauge is a point-in-time metric holding an arbitrary non-negative integer;
// its value is that of the most recent Set call. A gauge created but never
// set holds no value: the initial value does not count as a set, and only
// takes effect through Reset.
type Gauge struct {
	common
	initial  int64
	value    int64
	hasValue bool
}

// NewGauge creates a gauge with the specified name, non-negative initial
// value, and tags.
func NewGauge(name string, initialValue int64, tags Tags) (*Gauge, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if initialValue < 0 {
		return nil, fmt.Errorf("metrics: gauge initial values must be non-negative integers")
	}

	return &Gauge{
		common:  common{name: name, tags: tags},
		initial: initialValue,
	}, nil
}

// Set stores a new non-negative value and returns it.
func (g *Gauge) Set(value int64) (int64, error) {
	if value < 0 {
		return g.value, fmt.Errorf("metrics: gauge values must be non-negative integers")
	}

	g.value = value
	g.hasValue = true
	return g.value, nil
}

// Reset restores the gauge to its initial value.
func (g *Gauge) Reset() int64 {
	g.value = g.initial
	g.hasValue = true
	return g.value
}

// Value returns the current gauge value, if one has been set.
func (g *Gauge) Value() (int64, bool) {
	return g.value, g.hasValue
}

// Histogram is a distribution metric: each Set records one observation, and
// the value read by publishers is the most recent observation rounded to an
// integer. A histogram created but never set holds no value.
type Histogram struct {
	common
	initial  float64
	value    float64
	hasValue bool
}

// NewHistogram creates a histogram with the specified name, non-negative
// initial value, and tags.
func NewHistogram(name string, initialValue float64, tags Tags) (*Histogram, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if initialValue < 0 {
		return nil, fmt.Errorf("metrics: histogram initial values must be non-negative numbers")
	}

	return &Histogram{
		common:  common{name: name, tags: tags},
		initial: initialValue,
	}, nil
}

// Set records a non-negative observation and returns the rounded value.
func (h *Histogram) Set(value float64) (int64, error) {
	if value < 0 {
		v, _ := h.Value()
		return v, fmt.Errorf("metrics: histogram values must be non-negative numbers")
	}

	h.value = value
	h.hasValue = true
	v, _ := h.Value()
	return v, nil
}

// Reset restores the histogram to its initial value.
func (h *Histogram) Reset() int64 {
	h.value = h.initial
	h.hasValue = true
	v, _ := h.Value()
	return v
}

// Value returns the most recent observation rounded to an integer, if any
// observation has been recorded.
func (h *Histogram) Value() (int64, bool) {
	if !h.hasValue {
		return 0, false
	}
	return int64(math.Round(h.value)), true
}

// Timer is a histogram specialization that accumulates elapsed wall-clock
// time across one or more Start/Stop cycles. The accumulated duration is
// scaled by the timer's resolution on read; a value stored directly via Set
// is not scaled. A timer that was never stopped and never set holds no value.
//
// The scoped-usage pattern is Start with a deferred Stop:
//
//	t.Start()
//	defer t.Stop()
type Timer struct {
	Histogram
	resolution TimerResolution
	startTime  time.Time
	started    bool
	stopped    bool
	running    time.Duration
}

// NewTimer creates a timer with the specified name, non-negative initial
// value, resolution, and tags. A zero resolution defaults to Milliseconds.
func NewTimer(name string, initialValue float64, resolution TimerResolution, tags Tags) (*Timer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if initialValue < 0 {
		return nil, fmt.Errorf("metrics: timer initial values must be non-negative numbers")
	}

	switch resolution {
	case 0:
		resolution = Milliseconds
	case Milliseconds, Microseconds, Nanoseconds:
	default:
		return nil, fmt.Errorf("metrics: unknown timer resolution: resolution=%d", resolution)
	}

	return &Timer{
		Histogram: Histogram{
			common:  common{name: name, tags: tags},
			initial: initialValue,
		},
		resolution: resolution,
	}, nil
}

// Resolution returns the timer's resolution multiplier.
func (t *Timer) Resolution() TimerResolution {
	return t.resolution
}

// Start begins (or restarts) timing an operation.
func (t *Timer) Start() {
	t.startTime = now()
	t.started = true
}

// Stop ends the current timing cycle and adds the elapsed duration to the
// accumulated running time. Stopping a timer that was not started is a no-op.
func (t *Timer) Stop() {
	if !t.started {
		return
	}

	t.running += now().Sub(t.startTime)
	t.started = false
	t.stopped = true
}

// Value returns the accumulated running time scaled by the resolution and
// rounded to an integer; a completed Start/Stop cycle counts as a value even
// when zero time elapsed. When no cycle has completed, it falls back to any
// directly-set value, unscaled.
func (t *Timer) Value() (int64, bool) {
	if t.stopped {
		return int64(math.Round(t.running.Seconds() * float64(t.resolution))), true
	}
	return t.Histogram.Value()
}

// Record times the invocation of f, returning f's error unaltered. The timer
// is stopped on every exit path, including a panic in f.
func (t *Timer) Record(f func() error) error {
	t.Start()
	defer t.Stop()
	return f()
}
