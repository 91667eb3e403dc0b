package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"statrelay/internal/log"
	"statrelay/internal/meta"
	"statrelay/internal/recorder"

	"github.com/getsentry/raven-go"
	"github.com/joho/godotenv"
	"lib.kevinlin.info/aperture/lib"
)

// defaultSampleInterval is the runtime sampling cadence used when the agent
// config block omits one.
const defaultSampleInterval = 10 * time.Second

func main() {
	// Allow a local .env file to supply the config path variable.
	godotenv.Load()

	configPath := flag.String(
		"config",
		os.Getenv(meta.DefaultConfigVariable),
		"path to the configuration file on disk",
	)
	version := flag.Bool(
		"version",
		false,
		"print the compiled statrelay version SHA",
	)
	verbosity := flag.String(
		"verbosity",
		"error",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	flag.Parse()

	// Report the compiled version and exit
	if *version {
		fmt.Printf("statrelay/%s\n", meta.VersionSHA)
		return
	}

	// Logging configuration; default to log.Error verbosity
	level, _ := log.ParseLevel(*verbosity)
	logger := log.NewConsoleLogger(level)
	logger.Debug("main: initialized logger: level=%v", level)

	// Parse application configuration
	logger.Debug("main: reading and parsing config: path=%s", *configPath)
	config, err := meta.ParseConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// Configure error reporting
	if config.Application != nil && config.Application.SentryDSN != "" {
		raven.SetDSN(config.Application.SentryDSN)
		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics publication
	configuration := config.BuildConfiguration()
	if configuration == nil {
		logger.Warn("main: no publishers configured; metrics will accumulate without publication")
	}

	prefix := "statrelay"
	if config.Metrics != nil && config.Metrics.Prefix != "" {
		prefix = config.Metrics.Prefix
	}

	rec, err := recorder.NewDefaultRecorder(prefix, recorder.WithConfiguration(configuration))
	if err != nil {
		panic(err)
	}

	// Agent cadence
	sampleInterval := defaultSampleInterval
	maxMetrics := recorder.DefaultMaxMetricsBeforePublish
	maxAge := recorder.DefaultMaxPublishAge
	if config.Agent != nil {
		if config.Agent.SampleInterval > 0 {
			sampleInterval = time.Duration(config.Agent.SampleInterval * float64(time.Second))
		}
		if config.Agent.MaxMetrics > 0 {
			maxMetrics = config.Agent.MaxMetrics
		}
		if config.Agent.MaxAge > 0 {
			maxAge = time.Duration(config.Agent.MaxAge * float64(time.Second))
		}
	}

	logger.Info(
		"main: starting runtime sampling: interval=%v max_metrics=%d max_age=%v",
		sampleInterval,
		maxMetrics,
		maxAge,
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sampleRuntime(rec, logger); err != nil {
				logger.Error("main: failed to sample runtime statistics: err=%v", err)
				raven.CaptureError(err, nil)
			}

			rec.PublishIfFullOrOld(maxMetrics, maxAge)
		case sig := <-sigs:
			logger.Info("main: received signal; flushing metrics and shutting down: signal=%v", sig)
			rec.PublishAll()
			return
		}
	}
}

// sampleRuntime records one generation of process runtime statistics into the
// recorder.
func sampleRuntime(rec recorder.Recorder, logger log.Logger) error {
	stopwatch := lib.NewStopwatch()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	samples := []struct {
		name  string
		value int64
	}{
		{"runtime.heap_alloc_bytes", int64(memStats.HeapAlloc)},
		{"runtime.heap_objects", int64(memStats.HeapObjects)},
		{"runtime.gc_runs", int64(memStats.NumGC)},
		{"runtime.goroutines", int64(runtime.NumGoroutine())},
	}

	for _, sample := range samples {
		gauge, err := rec.Gauge(sample.name)
		if err != nil {
			return err
		}
		if _, err := gauge.Set(sample.value); err != nil {
			return err
		}
	}

	elapsed := stopwatch.Elapsed()

	histogram, err := rec.Histogram("runtime.sample_time_us", recorder.ForceNew())
	if err != nil {
		return err
	}
	if _, err := histogram.Set(float64(elapsed.Microseconds())); err != nil {
		return err
	}

	logger.Debug("main: sampled runtime statistics: elapsed=%v", elapsed)
	return nil
}
