// Package publish contains the sinks that serialize and transmit a batch of
// recorded metrics. The primary engine is the statsd text protocol over UDP,
// with a dogstatsd specialization; supplemental publishers emit to a SQLite
// database, to a log line, or to nowhere. Publication is fire-and-forget:
// transport failures are optionally logged and never propagate to the
// recording application, since losing a metrics batch is preferable to
// stalling the pipeline that produced it.
package publish
