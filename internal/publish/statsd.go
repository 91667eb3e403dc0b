package publish

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"syscall"
	"time"

	"statrelay/internal/log"
	"statrelay/internal/metrics"
)

// Statsd metric type suffixes. For the upstream protocol description, see
// https://github.com/statsd/statsd/blob/master/docs/metric_types.md.
var (
	metricTypeCounter      = []byte("c")
	metricTypeGauge        = []byte("g")
	metricTypeTimer        = []byte("ms")
	metricTypeHistogram    = []byte("ms")
	metricTypeDistribution = []byte("d")
)

// UDP payload ceilings derived from link MTUs, after subtracting the 20-byte
// IP header and the 8-byte UDP header. Payloads crossing these thresholds are
// flagged in meta-metrics to surface fragmentation and loss risk.
const (
	ipHeaderBytes          = 20
	udpHeaderBytes         = 8
	maxIPv4PacketSizeBytes = 65535
	maxGigEMTUBytes        = 9000
	maxFastEMTUBytes       = 1518

	maxIPv4PayloadSizeBytes  = maxIPv4PacketSizeBytes - ipHeaderBytes - udpHeaderBytes
	maxGigEPayloadSizeBytes  = maxGigEMTUBytes - ipHeaderBytes - udpHeaderBytes
	maxFastEPayloadSizeBytes = maxFastEMTUBytes - ipHeaderBytes - udpHeaderBytes
)

// StatsdMaximumPacketSize is the maximum (and default) packet size for the
// statsd publisher: the largest payload a localhost datagram will carry. The
// configured packet size may be lowered, never raised above this ceiling.
const StatsdMaximumPacketSize = 65000

// DefaultNetworkTimeout bounds each UDP send.
const DefaultNetworkTimeout = 500 * time.Millisecond

// Meta-metric names reported by the statsd-family publishers about their own
// performance.
const (
	metaFormatMetricsName      = "statrelay.meta.publish.statsd.format_metrics"
	metaSendName               = "statrelay.meta.publish.statsd.send"
	metaSendNumMetricsName     = "statrelay.meta.publish.statsd.send.num_metrics"
	metaSendTimerName          = "statrelay.meta.publish.statsd.send.timer"
	metaSendErrorMaxPacketName = "statrelay.meta.publish.statsd.send.error.max_packet"
	metaSendErrorUnknownName   = "statrelay.meta.publish.statsd.send.error.unknown"
	metaSendExceedsMaxName     = "statrelay.meta.publish.statsd.send.exceeds_max_packet"
	metaSendExceedsGigEName    = "statrelay.meta.publish.statsd.send.exceeds_max_gig_e"
	metaSendExceedsFastEName   = "statrelay.meta.publish.statsd.send.exceeds_max_fast_e"
)

// StatsdPublisher emits UDP metrics packets to a statsd consumer over a
// network connection. A single publisher instance serves any number of
// publish calls; each send opens and closes its own socket.
type StatsdPublisher struct {
	host              string
	port              int
	timeout           time.Duration
	maximumPacketSize int

	// Variant configuration, specialized by the dogstatsd extension.
	histogramType    []byte
	timerType        []byte
	globalTagsString []byte
	gaugeTagsString  []byte
}

// StatsdPublisherOpts describes the optional parameters of a StatsdPublisher.
type StatsdPublisherOpts struct {
	// NetworkTimeout bounds each UDP send. Defaults to DefaultNetworkTimeout.
	NetworkTimeout time.Duration

	// MaximumPacketSize caps the payload size of a single datagram; larger
	// batches are chunked across multiple datagrams. It can only lower the
	// publisher's ceiling, never raise it. Defaults to the ceiling.
	MaximumPacketSize int
}

// NewStatsdPublisher creates a publisher bound to the specified statsd
// listener host and port.
func NewStatsdPublisher(host string, port int, opts StatsdPublisherOpts) *StatsdPublisher {
	timeout := opts.NetworkTimeout
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}

	maximumPacketSize := StatsdMaximumPacketSize
	if opts.MaximumPacketSize > 0 && opts.MaximumPacketSize < maximumPacketSize {
		maximumPacketSize = opts.MaximumPacketSize
	}

	return &StatsdPublisher{
		host:              host,
		port:              port,
		timeout:           timeout,
		maximumPacketSize: maximumPacketSize,
		histogramType:     metricTypeHistogram,
		timerType:         metricTypeTimer,
	}
}

// GetFormattedMetrics serializes each valued metric in the batch as a statsd
// line `name:value|type[|#tag:value,...]`. When enableMetaMetrics is set, a
// timer line measuring the formatting call itself, at microsecond resolution,
// is prepended to the result.
func (p *StatsdPublisher) GetFormattedMetrics(batch []metrics.Metric, enableMetaMetrics bool) [][]byte {
	var metaTimer *metrics.Timer
	if enableMetaMetrics {
		metaTimer, _ = metrics.NewTimer(metaFormatMetricsName, 0, metrics.Microseconds, nil)
		metaTimer.Start()
	}

	var formatted [][]byte
	for _, metric := range batch {
		value, ok := metric.Value()
		if !ok {
			continue
		}

		typeLabel := p.histogramType
		existingTags := p.globalTagsString

		switch metric.(type) {
		case *metrics.Counter:
			typeLabel = metricTypeCounter
		case *metrics.Gauge:
			typeLabel = metricTypeGauge
			existingTags = p.gaugeTagsString
		case *metrics.Timer:
			typeLabel = p.timerType
		case *metrics.Histogram:
		default:
			continue
		}

		formatted = append(formatted, fmt.Appendf(
			nil,
			"%s:%d|%s%s",
			metric.Name(),
			value,
			typeLabel,
			appendTagString(existingTags, metric.Tags()),
		))
	}

	if len(formatted) == 0 {
		return nil
	}

	if metaTimer != nil {
		metaTimer.Stop()
		value, _ := metaTimer.Value()
		line := fmt.Appendf(nil, "%s:%d|%s%s", metaFormatMetricsName, value, p.timerType, p.globalTagsString)
		formatted = append([][]byte{line}, formatted...)
	}

	return formatted
}

// Publish formats the batch and sends it as one or more UDP datagrams, each
// payload (lines plus line terminators) staying at or under the configured
// maximum packet size.
func (p *StatsdPublisher) Publish(batch []metrics.Metric, errorLogger log.Logger, enableMetaMetrics bool) {
	if len(batch) == 0 {
		return
	}

	formatted := p.GetFormattedMetrics(batch, enableMetaMetrics)
	if len(formatted) == 0 {
		return
	}

	var chunk [][]byte
	cumulativeLength := 0
	for _, line := range formatted {
		lineLength := len(line) + 1 // 1 is the length of a line terminator
		cumulativeLength += lineLength

		if cumulativeLength > p.maximumPacketSize && len(chunk) > 0 {
			// This line would put us over the packet size limit, so send the
			// existing chunk and start a new one.
			p.sendChunkedPayload(bytes.Join(chunk, []byte("\n")), len(chunk), errorLogger, enableMetaMetrics)
			cumulativeLength = lineLength
			chunk = nil
		}

		chunk = append(chunk, line)
	}

	if len(chunk) > 0 {
		p.sendChunkedPayload(bytes.Join(chunk, []byte("\n")), len(chunk), errorLogger, enableMetaMetrics)
	}
}

// sendChunkedPayload transmits a single already-chunked payload as one UDP
// datagram and, when meta-metrics are enabled, sends a second datagram
// reporting the send's own performance and payload size classification.
func (p *StatsdPublisher) sendChunkedPayload(payload []byte, numMetrics int, errorLogger log.Logger, enableMetaMetrics bool) {
	var metaTimer *metrics.Timer
	if enableMetaMetrics {
		metaTimer, _ = metrics.NewTimer(metaSendTimerName, 0, metrics.Microseconds, nil)
		metaTimer.Start()
	}

	err := p.send(payload)

	if metaTimer != nil {
		metaTimer.Stop()
	}

	errorMaxPacket := errors.Is(err, syscall.EMSGSIZE)

	if err != nil && errorLogger != nil {
		if errorMaxPacket {
			errorLogger.Error(
				"statsd: failed to send metrics: UDP packet too large: host=%s port=%d payload_length=%d num_metrics=%d",
				p.host, p.port, len(payload), numMetrics,
			)
		} else {
			errorLogger.Error(
				"statsd: failed to send metrics: host=%s port=%d payload_length=%d num_metrics=%d err=%v",
				p.host, p.port, len(payload), numMetrics, err,
			)
		}
	}

	if !enableMetaMetrics {
		return
	}

	meta := fmt.Appendf(nil, "%s:1|%s", metaSendName, metricTypeCounter)
	meta = fmt.Appendf(meta, "\n%s:%d|%s", metaSendNumMetricsName, numMetrics, p.histogramType)

	if metaTimer != nil {
		value, _ := metaTimer.Value()
		meta = fmt.Appendf(meta, "\n%s:%d|%s", metaSendTimerName, value, p.timerType)
	}

	if err != nil {
		if errorMaxPacket {
			meta = fmt.Appendf(meta, "\n%s:1|%s", metaSendErrorMaxPacketName, metricTypeCounter)
		} else {
			meta = fmt.Appendf(meta, "\n%s:1|%s", metaSendErrorUnknownName, metricTypeCounter)
		}
	}

	if len(payload) >= maxIPv4PayloadSizeBytes {
		meta = fmt.Appendf(meta, "\n%s:1|%s", metaSendExceedsMaxName, metricTypeCounter)
	}
	if len(payload) >= maxGigEPayloadSizeBytes {
		meta = fmt.Appendf(meta, "\n%s:1|%s", metaSendExceedsGigEName, metricTypeCounter)
	}
	if len(payload) >= maxFastEPayloadSizeBytes {
		meta = fmt.Appendf(meta, "\n%s:1|%s", metaSendExceedsFastEName, metricTypeCounter)
	}

	if sendErr := p.send(meta); sendErr != nil && errorLogger != nil {
		errorLogger.Error(
			"statsd: failed to send meta metrics: host=%s port=%d err=%v",
			p.host, p.port, sendErr,
		)
	}
}

// dialTimeout opens the socket behind each send; tests substitute it to
// inject transport failures.
var dialTimeout = net.DialTimeout

// send writes one datagram over a fresh UDP socket bound with the configured
// network timeout. Delivery is at-most-once; there are no retries.
func (p *StatsdPublisher) send(payload []byte) error {
	conn, err := dialTimeout("udp", net.JoinHostPort(p.host, strconv.Itoa(p.port)), p.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return err
	}

	_, err = conn.Write(payload)
	return err
}

// appendTagString renders a tag set onto an existing rendered tag string,
// returning the combined `|#key:value,...` byte string. Keys are rendered in
// sorted order; a nil tag value renders with no value suffix.
func appendTagString(existing []byte, tags metrics.Tags) []byte {
	if len(tags) == 0 {
		return existing
	}

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	first := len(existing) == 0
	var buf []byte
	if first {
		buf = append(buf, "|#"...)
	} else {
		buf = append(buf, existing...)
	}

	for _, key := range keys {
		if !first {
			buf = append(buf, ',')
		}
		first = false

		buf = append(buf, key...)
		if value := tags[key]; value != nil {
			buf = append(buf, ':')
			buf = append(buf, formatTagValue(value)...)
		}
	}

	return buf
}

// formatTagValue renders a scalar tag value: integers as decimal, floats
// trimmed of insignificant zeros, everything else in its natural string form.
func formatTagValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", v)
	}
}
