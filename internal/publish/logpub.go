package publish

import (
	"sort"
	"strconv"
	"strings"

	"statrelay/internal/log"
	"statrelay/internal/metrics"
)

// LogPublisher renders a metrics batch as a single human-readable log line,
// sorted by instrument type and name, at a configurable level.
type LogPublisher struct {
	logger log.Logger
	level  log.Level
}

// NewLogPublisher creates a publisher that writes each batch through the
// specified logger at the specified level.
func NewLogPublisher(logger log.Logger, level log.Level) *LogPublisher {
	return &LogPublisher{logger: logger, level: level}
}

// Publish logs the batch as `category.name{tag:value,...} value` entries
// joined with semicolons. Metrics holding no value are omitted.
func (p *LogPublisher) Publish(batch []metrics.Metric, errorLogger log.Logger, enableMetaMetrics bool) {
	if len(batch) == 0 {
		return
	}

	var entries []string
	for _, metric := range batch {
		value, ok := metric.Value()
		if !ok {
			continue
		}

		var b strings.Builder
		b.WriteString(metricCategory(metric))
		b.WriteByte('.')
		b.WriteString(metric.Name())

		if tags := metric.Tags(); len(tags) > 0 {
			keys := make([]string, 0, len(tags))
			for key := range tags {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			b.WriteByte('{')
			for i, key := range keys {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(key)
				b.WriteByte(':')
				if tags[key] == nil {
					b.WriteString("[no value]")
				} else {
					b.WriteString(formatTagValue(tags[key]))
				}
			}
			b.WriteByte('}')
		}

		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(value, 10))
		entries = append(entries, b.String())
	}

	if len(entries) == 0 {
		return
	}

	sort.Strings(entries)
	line := strings.Join(entries, "; ")

	switch p.level {
	case log.Debug:
		p.logger.Debug("%s", line)
	case log.Info:
		p.logger.Info("%s", line)
	case log.Warn:
		p.logger.Warn("%s", line)
	default:
		p.logger.Error("%s", line)
	}
}
