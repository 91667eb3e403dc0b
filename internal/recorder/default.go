package recorder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"statrelay/internal/metrics"
	"statrelay/internal/publish"
)

// metaGetAllMetricsTimerName is the self-measurement timer prepended to every
// snapshot when meta-metrics are enabled.
const metaGetAllMetricsTimerName = "statrelay.meta.recorder.get_all_metrics"

// DefaultRecorder is the standard in-memory Recorder. Counters and gauges
// hold a single instrument per registration key; histograms and timers hold a
// list of generations so that a new measurement can be recorded while an
// earlier one still awaits publication.
type DefaultRecorder struct {
	prefix        string
	configuration *publish.Configuration

	counters   map[string]*metrics.Counter
	gauges     map[string]*metrics.Gauge
	histograms map[string][]*metrics.Histogram
	timers     map[string][]*metrics.Timer

	// Registration keys in first-insertion order, for stable snapshots.
	counterOrder   []string
	gaugeOrder     []string
	histogramOrder []string
	timerOrder     []string

	unpublishedCount int
	lastPublish      time.Time
}

var _ Recorder = (*DefaultRecorder)(nil)

// RecorderOption customizes DefaultRecorder construction.
type RecorderOption func(*DefaultRecorder) error

// WithConfiguration supplies the publication configuration directly. A nil
// configuration leaves the recorder accumulating without publishing.
func WithConfiguration(configuration *publish.Configuration) RecorderOption {
	return func(r *DefaultRecorder) error {
		r.configuration = configuration
		return nil
	}
}

// WithConfigSource discovers the publication configuration from a source. A
// source reporting no configuration is tolerated; a source error fails
// recorder construction.
func WithConfigSource(source ConfigSource) RecorderOption {
	return func(r *DefaultRecorder) error {
		configuration, err := source.MetricsConfiguration()
		if err != nil {
			return fmt.Errorf("recorder: failed to load publication configuration: err=%v", err)
		}
		r.configuration = configuration
		return nil
	}
}

// NewDefaultRecorder creates a recorder whose instrument names are qualified
// with the given prefix.
func NewDefaultRecorder(prefix string, opts ...RecorderOption) (*DefaultRecorder, error) {
	r := &DefaultRecorder{
		prefix:      prefix,
		counters:    make(map[string]*metrics.Counter),
		gauges:      make(map[string]*metrics.Gauge),
		histograms:  make(map[string][]*metrics.Histogram),
		timers:      make(map[string][]*metrics.Timer),
		lastPublish: now(),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// UnpublishedCount returns the number of instruments created since the last
// publication.
func (r *DefaultRecorder) UnpublishedCount() int {
	return r.unpublishedCount
}

// Counter returns the counter registered under the given name and tags,
// creating it on first access.
func (r *DefaultRecorder) Counter(name string, opts ...InstrumentOption) (*metrics.Counter, error) {
	o := applyInstrumentOptions(opts)
	key := metricKey(name, o.tags)

	if counter, ok := r.counters[key]; ok {
		return counter, nil
	}

	if !isIntegral(o.initialValue) {
		return nil, errNonIntegralInitialValue("counter", name, o.initialValue)
	}

	counter, err := metrics.NewCounter(r.qualified(name), int64(o.initialValue), o.tags)
	if err != nil {
		return nil, err
	}

	r.counters[key] = counter
	r.counterOrder = append(r.counterOrder, key)
	r.unpublishedCount++
	return counter, nil
}

// Gauge returns the gauge registered under the given name and tags, creating
// a replacement only when none exists or ForceNew is requested.
func (r *DefaultRecorder) Gauge(name string, opts ...InstrumentOption) (*metrics.Gauge, error) {
	o := applyInstrumentOptions(opts)
	key := metricKey(name, o.tags)

	if gauge, ok := r.gauges[key]; ok && !o.forceNew {
		return gauge, nil
	}

	if !isIntegral(o.initialValue) {
		return nil, errNonIntegralInitialValue("gauge", name, o.initialValue)
	}

	gauge, err := metrics.NewGauge(r.qualified(name), int64(o.initialValue), o.tags)
	if err != nil {
		return nil, err
	}

	if _, ok := r.gauges[key]; !ok {
		r.gaugeOrder = append(r.gaugeOrder, key)
	}
	r.gauges[key] = gauge
	r.unpublishedCount++
	return gauge, nil
}

// Histogram returns the most recent still-valueless histogram registered
// under the given name and tags, appending a new generation when none exists,
// ForceNew is requested, or the most recent one already holds a value.
func (r *DefaultRecorder) Histogram(name string, opts ...InstrumentOption) (*metrics.Histogram, error) {
	o := applyInstrumentOptions(opts)
	key := metricKey(name, o.tags)

	if generations := r.histograms[key]; len(generations) > 0 && !o.forceNew {
		last := generations[len(generations)-1]
		if _, valued := last.Value(); !valued {
			return last, nil
		}
	}

	histogram, err := metrics.NewHistogram(r.qualified(name), o.initialValue, o.tags)
	if err != nil {
		return nil, err
	}

	if len(r.histograms[key]) == 0 {
		r.histogramOrder = append(r.histogramOrder, key)
	}
	r.histograms[key] = append(r.histograms[key], histogram)
	r.unpublishedCount++
	return histogram, nil
}

// Timer behaves like Histogram for timers. The resolution is applied to the
// created instrument but is not part of the registration identity: two timers
// that differ only in resolution share a key.
func (r *DefaultRecorder) Timer(name string, opts ...InstrumentOption) (*metrics.Timer, error) {
	o := applyInstrumentOptions(opts)
	key := metricKey(name, o.tags)

	if generations := r.timers[key]; len(generations) > 0 && !o.forceNew {
		last := generations[len(generations)-1]
		if _, valued := last.Value(); !valued {
			return last, nil
		}
	}

	timer, err := metrics.NewTimer(r.qualified(name), o.initialValue, o.resolution, o.tags)
	if err != nil {
		return nil, err
	}

	if len(r.timers[key]) == 0 {
		r.timerOrder = append(r.timerOrder, key)
	}
	r.timers[key] = append(r.timers[key], timer)
	r.unpublishedCount++
	return timer, nil
}

// GetAllMetrics snapshots the current batch: all counters, then every gauge,
// histogram, and timer generation currently holding a value. When
// meta-metrics are enabled, a timer measuring the snapshot's own duration is
// prepended at microsecond resolution.
func (r *DefaultRecorder) GetAllMetrics() []metrics.Metric {
	var metaTimer *metrics.Timer
	if r.configuration != nil && r.configuration.EnableMetaMetrics {
		metaTimer, _ = metrics.NewTimer(metaGetAllMetricsTimerName, 0, metrics.Microseconds, nil)
		metaTimer.Start()
	}

	var batch []metrics.Metric

	for _, key := range r.counterOrder {
		batch = append(batch, r.counters[key])
	}
	for _, key := range r.gaugeOrder {
		gauge := r.gauges[key]
		if _, valued := gauge.Value(); valued {
			batch = append(batch, gauge)
		}
	}
	for _, key := range r.histogramOrder {
		for _, histogram := range r.histograms[key] {
			if _, valued := histogram.Value(); valued {
				batch = append(batch, histogram)
			}
		}
	}
	for _, key := range r.timerOrder {
		for _, timer := range r.timers[key] {
			if _, valued := timer.Value(); valued {
				batch = append(batch, timer)
			}
		}
	}

	if metaTimer != nil {
		metaTimer.Stop()
		batch = append([]metrics.Metric{metaTimer}, batch...)
	}

	return batch
}

// PublishAll dispatches the current batch to the configured publishers. The
// dispatch is silently skipped when no configuration is present, so that
// instrumented code needs no environment awareness. Consumed instruments are
// cleared and the last-publish timestamp advances regardless.
func (r *DefaultRecorder) PublishAll() {
	if r.configuration != nil {
		if batch := r.GetAllMetrics(); len(batch) > 0 {
			publish.PublishMetrics(batch, r.configuration)
		}
	}

	r.Clear(true)
	r.lastPublish = now()
}

// PublishIfFullOrOld triggers PublishAll when the unpublished-instrument
// count has reached maxMetrics or maxAge has elapsed since the last
// publication. Non-positive arguments select the defaults.
func (r *DefaultRecorder) PublishIfFullOrOld(maxMetrics int, maxAge time.Duration) {
	if maxMetrics <= 0 {
		maxMetrics = DefaultMaxMetricsBeforePublish
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxPublishAge
	}

	if r.unpublishedCount >= maxMetrics || now().Sub(r.lastPublish) >= maxAge {
		r.PublishAll()
	}
}

// ThrottledPublishAll triggers PublishAll only when at least delay has
// elapsed since the last publication. A non-positive delay selects the
// default.
func (r *DefaultRecorder) ThrottledPublishAll(delay time.Duration) {
	if delay <= 0 {
		delay = DefaultPublishDelay
	}

	if now().Sub(r.lastPublish) >= delay {
		r.PublishAll()
	}
}

// Clear drops accumulated instruments. A full clear empties every
// registration; a published-only clear drops counters and gauges outright but
// retains histogram and timer generations still awaiting a value, recounting
// them as unpublished.
func (r *DefaultRecorder) Clear(onlyPublished bool) {
	r.counters = make(map[string]*metrics.Counter)
	r.counterOrder = nil
	r.gauges = make(map[string]*metrics.Gauge)
	r.gaugeOrder = nil

	if !onlyPublished {
		r.histograms = make(map[string][]*metrics.Histogram)
		r.histogramOrder = nil
		r.timers = make(map[string][]*metrics.Timer)
		r.timerOrder = nil
		r.unpublishedCount = 0
		return
	}

	retainedHistograms := make(map[string][]*metrics.Histogram)
	var retainedHistogramOrder []string
	for _, key := range r.histogramOrder {
		var retained []*metrics.Histogram
		for _, histogram := range r.histograms[key] {
			if _, valued := histogram.Value(); !valued {
				retained = append(retained, histogram)
			}
		}
		if len(retained) > 0 {
			retainedHistograms[key] = retained
			retainedHistogramOrder = append(retainedHistogramOrder, key)
		}
	}

	retainedTimers := make(map[string][]*metrics.Timer)
	var retainedTimerOrder []string
	for _, key := range r.timerOrder {
		var retained []*metrics.Timer
		for _, timer := range r.timers[key] {
			if _, valued := timer.Value(); !valued {
				retained = append(retained, timer)
			}
		}
		if len(retained) > 0 {
			retainedTimers[key] = retained
			retainedTimerOrder = append(retainedTimerOrder, key)
		}
	}

	r.histograms = retainedHistograms
	r.histogramOrder = retainedHistogramOrder
	r.timers = retainedTimers
	r.timerOrder = retainedTimerOrder

	r.unpublishedCount = 0
	for _, generations := range r.histograms {
		r.unpublishedCount += len(generations)
	}
	for _, generations := range r.timers {
		r.unpublishedCount += len(generations)
	}
}

// qualified joins the recorder prefix and an instrument name.
func (r *DefaultRecorder) qualified(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "." + name
}

// metricKey builds the registration identity for a (name, tags) pair. Tags
// are rendered in sorted key order with a value-type discriminator, so
// equivalent tag sets collide while same-text values of different types, like
// 1 and "1", stay distinct.
func metricKey(name string, tags metrics.Tags) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%T:%v", key, tags[key], tags[key]))
	}

	return name + "#" + strings.Join(pairs, ",")
}
