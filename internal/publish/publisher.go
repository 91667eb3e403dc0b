package publish

import (
	"statrelay/internal/log"
	"statrelay/internal/metrics"
)

// Publisher is the capability contract shared by all metric sinks.
type Publisher interface {
	// Publish serializes and transmits a batch of metrics. The batch must be
	// treated as read-only. Failures are handled publisher-side: logged
	// through errorLogger when one is supplied, silently dropped otherwise.
	// When enableMetaMetrics is set, the publisher additionally reports
	// metrics about its own performance.
	Publish(batch []metrics.Metric, errorLogger log.Logger, enableMetaMetrics bool)
}

// Configuration is the assembled publication config for one recorder: the
// ordered set of publishers plus the publication-wide flags shared by all of
// them.
type Configuration struct {
	// Publishers receive every batch, in order.
	Publishers []Publisher

	// ErrorLogger, when non-nil, receives publisher transport errors.
	ErrorLogger log.Logger

	// EnableMetaMetrics turns on reporting of the metrics pipeline's own
	// performance.
	EnableMetaMetrics bool
}

// PublishMetrics fans a batch of metrics out to every configured publisher,
// in the order the publishers were declared.
func PublishMetrics(batch []metrics.Metric, configuration *Configuration) {
	for _, publisher := range configuration.Publishers {
		publisher.Publish(batch, configuration.ErrorLogger, configuration.EnableMetaMetrics)
	}
}

// NullPublisher implements the Publisher interface but discards every batch.
type NullPublisher struct{}

// NewNullPublisher creates a publisher that discards everything it receives.
func NewNullPublisher() *NullPublisher {
	return &NullPublisher{}
}

// Publish discards the batch.
func (p *NullPublisher) Publish(batch []metrics.Metric, errorLogger log.Logger, enableMetaMetrics bool) {
}

// metricCategory returns the plural category label for a metric, used by
// publishers that group or sort a batch by instrument type.
func metricCategory(metric metrics.Metric) string {
	switch metric.(type) {
	case *metrics.Counter:
		return "counters"
	case *metrics.Gauge:
		return "gauges"
	case *metrics.Timer:
		return "timers"
	case *metrics.Histogram:
		return "histograms"
	default:
		return "metrics"
	}
}
