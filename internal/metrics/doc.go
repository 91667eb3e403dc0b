// Package metrics contains the in-memory metric instruments that application
// code mutates directly: counters, gauges, histograms, and timers.
//
// Instruments are plain value holders with type-specific mutation rules; they
// know nothing about publication. A recorder owns instrument instances and
// hands them out by (name, tags) identity, and publishers serialize them onto
// a wire format. Instruments assume a single logical flow of control; callers
// that share an instrument across goroutines must serialize access externally.
package metrics
