package publish

import (
	"time"

	"statrelay/internal/metrics"
)

// DogstatsdMaximumPacketSize is the maximum (and default) packet size for the
// dogstatsd publisher, matching the dogstatsd agent's packet buffer. The
// configured packet size may be lowered, never raised above this ceiling.
const DogstatsdMaximumPacketSize = 8000

// DogstatsdPublisher is a statsd publisher that understands the Datadog
// extensions to the statsd protocol: the `h` histogram and `d` distribution
// type suffixes, a lower packet size ceiling, and publisher-wide tag sets
// prepended to every metric line. For the datagram format, see
// https://docs.datadoghq.com/developers/dogstatsd/datagram_shell/.
type DogstatsdPublisher struct {
	StatsdPublisher
}

// DogstatsdPublisherOpts describes the optional parameters of a
// DogstatsdPublisher.
type DogstatsdPublisherOpts struct {
	// NetworkTimeout bounds each UDP send. Defaults to DefaultNetworkTimeout.
	NetworkTimeout time.Duration

	// MaximumPacketSize caps the payload size of a single datagram. It can
	// only lower the publisher's ceiling, never raise it.
	MaximumPacketSize int

	// GlobalTags are applied to every published metric.
	GlobalTags metrics.Tags

	// ExtraGaugeTags are applied, in addition to GlobalTags, to every
	// published gauge. Needed when multiple processes publish gauges with
	// identical names and the consumer would otherwise eliminate duplicates.
	ExtraGaugeTags metrics.Tags

	// UseDistributions publishes histograms and timers as Datadog
	// distributions (`d`) instead of histograms (`h`) and timings (`ms`).
	UseDistributions bool
}

// NewDogstatsdPublisher creates a publisher bound to the specified dogstatsd
// listener host and port.
func NewDogstatsdPublisher(host string, port int, opts DogstatsdPublisherOpts) *DogstatsdPublisher {
	maximumPacketSize := DogstatsdMaximumPacketSize
	if opts.MaximumPacketSize > 0 && opts.MaximumPacketSize < maximumPacketSize {
		maximumPacketSize = opts.MaximumPacketSize
	}

	base := NewStatsdPublisher(host, port, StatsdPublisherOpts{
		NetworkTimeout: opts.NetworkTimeout,
	})
	base.maximumPacketSize = maximumPacketSize
	base.histogramType = []byte("h")
	if opts.UseDistributions {
		base.histogramType = metricTypeDistribution
		base.timerType = metricTypeDistribution
	}

	// The gauge tag string extends the already-rendered global tag prefix
	// rather than rebuilding it from scratch.
	base.globalTagsString = appendTagString(nil, opts.GlobalTags)
	base.gaugeTagsString = appendTagString(base.globalTagsString, opts.ExtraGaugeTags)

	return &DogstatsdPublisher{*base}
}
