package publish

import (
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statrelay/internal/log"
	"statrelay/internal/metrics"
)

// scriptedConn is a net.Conn stand-in that either fails every write or
// captures each written payload.
type scriptedConn struct {
	writeErr error
	writes   *[][]byte
}

func (c scriptedConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	payload := make([]byte, len(b))
	copy(payload, b)
	*c.writes = append(*c.writes, payload)
	return len(b), nil
}

func (c scriptedConn) Read(b []byte) (int, error)         { return 0, nil }
func (c scriptedConn) Close() error                       { return nil }
func (c scriptedConn) LocalAddr() net.Addr                { return nil }
func (c scriptedConn) RemoteAddr() net.Addr               { return nil }
func (c scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

// stubDial substitutes the package dialer with one handing out the given
// conns in rotation. The returned restore function must be deferred.
func stubDial(conns ...net.Conn) func() {
	original := dialTimeout
	calls := 0

	dialTimeout = func(network, address string, timeout time.Duration) (net.Conn, error) {
		conn := conns[calls%len(conns)]
		calls++
		return conn, nil
	}

	return func() {
		dialTimeout = original
	}
}

// newUDPListener opens a loopback UDP listener standing in for a statsd
// consumer.
func newUDPListener(t *testing.T) (net.PacketConn, string, int) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	addr := conn.LocalAddr().(*net.UDPAddr)
	return conn, "127.0.0.1", addr.Port
}

// readDatagram blocks for one datagram and returns its payload.
func readDatagram(t *testing.T, conn net.PacketConn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 65536)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	return string(buf[:n])
}

func mustCounter(t *testing.T, name string, value int64, tags metrics.Tags) *metrics.Counter {
	t.Helper()

	counter, err := metrics.NewCounter(name, 0, tags)
	require.NoError(t, err)
	if value > 0 {
		_, err = counter.Increment(value)
		require.NoError(t, err)
	}
	return counter
}

func TestGetFormattedMetricsLineFormat(t *testing.T) {
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	counter := mustCounter(t, "requests", 1, nil)

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)
	_, err = gauge.Set(4)
	require.NoError(t, err)

	histogram, err := metrics.NewHistogram("latency", 0, nil)
	require.NoError(t, err)
	_, err = histogram.Set(12.6)
	require.NoError(t, err)

	timer, err := metrics.NewTimer("duration", 0, metrics.Milliseconds, nil)
	require.NoError(t, err)
	_, err = timer.Set(250)
	require.NoError(t, err)

	formatted := p.GetFormattedMetrics([]metrics.Metric{counter, gauge, histogram, timer}, false)

	require.Len(t, formatted, 4)
	assert.Equal(t, "requests:1|c", string(formatted[0]))
	assert.Equal(t, "depth:4|g", string(formatted[1]))
	assert.Equal(t, "latency:13|ms", string(formatted[2]))
	assert.Equal(t, "duration:250|ms", string(formatted[3]))
}

func TestGetFormattedMetricsSkipsValueless(t *testing.T) {
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)

	formatted := p.GetFormattedMetrics([]metrics.Metric{gauge}, false)
	assert.Nil(t, formatted)
}

func TestGetFormattedMetricsTagRendering(t *testing.T) {
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	counter := mustCounter(t, "requests", 1, metrics.Tags{
		"env":     "qa",
		"region":  "us",
		"ratio":   0.5,
		"enabled": true,
		"marker":  nil,
	})

	formatted := p.GetFormattedMetrics([]metrics.Metric{counter}, false)
	require.Len(t, formatted, 1)
	assert.Equal(t, "requests:1|c|#enabled:true,env:qa,marker,ratio:0.5,region:us", string(formatted[0]))
}

func TestGetFormattedMetricsPrependsMetaTimer(t *testing.T) {
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	counter := mustCounter(t, "requests", 1, nil)

	formatted := p.GetFormattedMetrics([]metrics.Metric{counter}, true)
	require.Len(t, formatted, 2)
	assert.True(t, strings.HasPrefix(string(formatted[0]), metaFormatMetricsName+":"))
	assert.True(t, strings.HasSuffix(string(formatted[0]), "|ms"))
	assert.Equal(t, "requests:1|c", string(formatted[1]))
}

func TestMaximumPacketSizeCapsDownwardOnly(t *testing.T) {
	lowered := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{MaximumPacketSize: 1000})
	assert.Equal(t, 1000, lowered.maximumPacketSize)

	raised := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{MaximumPacketSize: 100000})
	assert.Equal(t, StatsdMaximumPacketSize, raised.maximumPacketSize)

	dogLowered := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{MaximumPacketSize: 500})
	assert.Equal(t, 500, dogLowered.maximumPacketSize)

	dogRaised := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{MaximumPacketSize: 60000})
	assert.Equal(t, DogstatsdMaximumPacketSize, dogRaised.maximumPacketSize)
}

func TestPublishSendsSingleDatagram(t *testing.T) {
	conn, host, port := newUDPListener(t)
	p := NewStatsdPublisher(host, port, StatsdPublisherOpts{})

	requests := mustCounter(t, "requests", 3, nil)
	errors := mustCounter(t, "errors", 1, nil)

	p.Publish([]metrics.Metric{requests, errors}, nil, false)

	payload := readDatagram(t, conn)
	assert.Equal(t, "requests:3|c\nerrors:1|c", payload)
}

func TestPublishChunksOversizedBatches(t *testing.T) {
	conn, host, port := newUDPListener(t)

	// Each line is 13 bytes plus a terminator; a 30-byte ceiling fits two
	// lines per datagram.
	p := NewStatsdPublisher(host, port, StatsdPublisherOpts{MaximumPacketSize: 30})

	var batch []metrics.Metric
	for _, name := range []string{"metric.aa", "metric.bb", "metric.cc"} {
		batch = append(batch, mustCounter(t, name, 1, nil))
	}

	p.Publish(batch, nil, false)

	first := readDatagram(t, conn)
	second := readDatagram(t, conn)
	assert.Equal(t, "metric.aa:1|c\nmetric.bb:1|c", first)
	assert.Equal(t, "metric.cc:1|c", second)
}

func TestPublishSendsMetaMetricsDatagram(t *testing.T) {
	conn, host, port := newUDPListener(t)
	p := NewStatsdPublisher(host, port, StatsdPublisherOpts{})

	p.Publish([]metrics.Metric{mustCounter(t, "requests", 1, nil)}, nil, true)

	payload := readDatagram(t, conn)
	lines := strings.Split(payload, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], metaFormatMetricsName+":"))
	assert.Equal(t, "requests:1|c", lines[1])

	meta := readDatagram(t, conn)
	metaLines := strings.Split(meta, "\n")
	require.Len(t, metaLines, 3)
	assert.Equal(t, metaSendName+":1|c", metaLines[0])
	assert.Equal(t, metaSendNumMetricsName+":2|ms", metaLines[1])
	assert.True(t, strings.HasPrefix(metaLines[2], metaSendTimerName+":"))
}

func TestPublishEmptyBatchSendsNothing(t *testing.T) {
	conn, host, port := newUDPListener(t)
	p := NewStatsdPublisher(host, port, StatsdPublisherOpts{})

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)

	p.Publish(nil, nil, false)
	p.Publish([]metrics.Metric{gauge}, nil, false)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 1024)
	_, _, err = conn.ReadFrom(buf)
	assert.Error(t, err)
}

func TestPublishLogsSendFailureDiagnostics(t *testing.T) {
	original := dialTimeout
	dialTimeout = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("network unreachable")
	}
	defer func() {
		dialTimeout = original
	}()

	logger := newRecordingLogger()
	p := NewStatsdPublisher("statsd.internal", 8125, StatsdPublisherOpts{})

	p.Publish([]metrics.Metric{
		mustCounter(t, "requests", 1, nil),
		mustCounter(t, "errors", 1, nil),
	}, logger, false)

	require.Len(t, logger.messages[log.Error], 1)
	message := logger.messages[log.Error][0]
	assert.Contains(t, message, "host=statsd.internal")
	assert.Contains(t, message, "port=8125")

	// "requests:1|c\nerrors:1|c" is 23 bytes.
	assert.Contains(t, message, "payload_length=23")
	assert.Contains(t, message, "num_metrics=2")
	assert.Contains(t, message, "err=network unreachable")
}

func TestSendFailureReportsUnknownErrorMetaCounter(t *testing.T) {
	var writes [][]byte
	restore := stubDial(
		scriptedConn{writeErr: fmt.Errorf("socket closed")},
		scriptedConn{writes: &writes},
	)
	defer restore()

	logger := newRecordingLogger()
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	p.Publish([]metrics.Metric{mustCounter(t, "requests", 1, nil)}, logger, true)

	require.Len(t, writes, 1)
	meta := string(writes[0])
	assert.Contains(t, meta, metaSendErrorUnknownName+":1|c")
	assert.NotContains(t, meta, metaSendErrorMaxPacketName)

	require.Len(t, logger.messages[log.Error], 1)
	assert.Contains(t, logger.messages[log.Error][0], "err=socket closed")
}

func TestSendFailureReportsMaxPacketMetaCounter(t *testing.T) {
	var writes [][]byte
	restore := stubDial(
		scriptedConn{writeErr: fmt.Errorf("write udp: %w", syscall.EMSGSIZE)},
		scriptedConn{writes: &writes},
	)
	defer restore()

	logger := newRecordingLogger()
	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	p.Publish([]metrics.Metric{mustCounter(t, "requests", 1, nil)}, logger, true)

	require.Len(t, writes, 1)
	meta := string(writes[0])
	assert.Contains(t, meta, metaSendErrorMaxPacketName+":1|c")
	assert.NotContains(t, meta, metaSendErrorUnknownName)

	require.Len(t, logger.messages[log.Error], 1)
	assert.Contains(t, logger.messages[log.Error][0], "UDP packet too large")
}

func TestMetaMetricsFlagPayloadsCrossingFastEThreshold(t *testing.T) {
	var writes [][]byte
	restore := stubDial(scriptedConn{writes: &writes})
	defer restore()

	p := NewStatsdPublisher("localhost", 8125, StatsdPublisherOpts{})

	// A 1500-character name yields a 1504-byte payload, past the 1490-byte
	// Fast Ethernet ceiling but under the jumbo-frame and IPv4 ceilings.
	name := strings.Repeat("a", 1500)
	p.Publish([]metrics.Metric{mustCounter(t, name, 1, nil)}, nil, true)

	require.Len(t, writes, 2)
	meta := string(writes[1])
	assert.Contains(t, meta, metaSendExceedsFastEName+":1|c")
	assert.NotContains(t, meta, metaSendExceedsGigEName)
	assert.NotContains(t, meta, metaSendExceedsMaxName)
}

func TestDogstatsdHistogramAndDistributionTypes(t *testing.T) {
	histogram, err := metrics.NewHistogram("latency", 0, nil)
	require.NoError(t, err)
	_, err = histogram.Set(9)
	require.NoError(t, err)

	timer, err := metrics.NewTimer("duration", 0, metrics.Milliseconds, nil)
	require.NoError(t, err)
	_, err = timer.Set(14)
	require.NoError(t, err)

	batch := []metrics.Metric{histogram, timer}

	p := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{})
	formatted := p.GetFormattedMetrics(batch, false)
	require.Len(t, formatted, 2)
	assert.Equal(t, "latency:9|h", string(formatted[0]))
	assert.Equal(t, "duration:14|ms", string(formatted[1]))

	d := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{UseDistributions: true})
	formatted = d.GetFormattedMetrics(batch, false)
	require.Len(t, formatted, 2)
	assert.Equal(t, "latency:9|d", string(formatted[0]))
	assert.Equal(t, "duration:14|d", string(formatted[1]))
}

func TestDogstatsdGlobalAndGaugeTags(t *testing.T) {
	p := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{
		GlobalTags:     metrics.Tags{"env": "qa"},
		ExtraGaugeTags: metrics.Tags{"host": "web1"},
	})

	counter := mustCounter(t, "requests", 1, nil)

	gauge, err := metrics.NewGauge("depth", 0, nil)
	require.NoError(t, err)
	_, err = gauge.Set(4)
	require.NoError(t, err)

	formatted := p.GetFormattedMetrics([]metrics.Metric{counter, gauge}, false)
	require.Len(t, formatted, 2)
	assert.Equal(t, "requests:1|c|#env:qa", string(formatted[0]))
	assert.Equal(t, "depth:4|g|#env:qa,host:web1", string(formatted[1]))
}

func TestDogstatsdGlobalTagsMergeWithMetricTags(t *testing.T) {
	p := NewDogstatsdPublisher("localhost", 8125, DogstatsdPublisherOpts{
		GlobalTags: metrics.Tags{"env": "qa"},
	})

	counter := mustCounter(t, "requests", 1, metrics.Tags{"region": "us"})

	formatted := p.GetFormattedMetrics([]metrics.Metric{counter}, false)
	require.Len(t, formatted, 1)
	assert.Equal(t, "requests:1|c|#env:qa,region:us", string(formatted[0]))
}
