package meta

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"statrelay/internal/log"
	"statrelay/internal/metrics"
	"statrelay/internal/publish"
)

// SupportedConfigVersion is the only metrics configuration schema version this
// build understands.
const SupportedConfigVersion = 2

// Publisher descriptor type discriminators.
const (
	PublisherTypeStatsd    = "statsd"
	PublisherTypeDogstatsd = "dogstatsd"
	PublisherTypeSqlite    = "sqlite"
	PublisherTypeLog       = "log"
	PublisherTypeNull      = "null"
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// PublisherConfig describes a single publisher in the ordered publisher list.
// The set of meaningful fields depends on the descriptor type; unrelated
// fields are ignored.
type PublisherConfig struct {
	Type string `yaml:"type"`

	// statsd and dogstatsd
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	NetworkTimeout    float64 `yaml:"network_timeout"` // seconds
	MaximumPacketSize int     `yaml:"maximum_packet_size"`

	// dogstatsd only
	GlobalTags       map[string]interface{} `yaml:"global_tags"`
	ExtraGaugeTags   map[string]interface{} `yaml:"extra_gauge_tags"`
	UseDistributions bool                   `yaml:"use_distributions"`

	// sqlite only
	DatabaseName string `yaml:"database_name"`

	// log only
	LogLevel string `yaml:"log_level"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Version           int               `yaml:"version"`
	Prefix            string            `yaml:"prefix"`
	ErrorLoggerName   string            `yaml:"error_logger_name"`
	EnableMetaMetrics bool              `yaml:"enable_meta_metrics"`
	Publishers        []PublisherConfig `yaml:"publishers"`
}

// AgentConfig is a top-level block for the sampling agent's cadence.
type AgentConfig struct {
	SampleInterval float64 `yaml:"sample_interval"` // seconds
	MaxMetrics     int     `yaml:"max_metrics"`
	MaxAge         float64 `yaml:"max_age"` // seconds
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Agent       *AgentConfig       `yaml:"agent"`
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%v", err)
	}

	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: error parsing config: err=%v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate the contents of the configuration. Returns an error if validation failed; nil otherwise.
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config: empty configuration")
	}

	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil {
		if c.Metrics.Version != SupportedConfigVersion {
			return fmt.Errorf(
				"config: unsupported metrics config version: version=%d supported=%d",
				c.Metrics.Version,
				SupportedConfigVersion,
			)
		}

		for idx, pub := range c.Metrics.Publishers {
			switch pub.Type {
			case PublisherTypeStatsd, PublisherTypeDogstatsd:
				if pub.Host == "" {
					return fmt.Errorf("config: missing publisher host: idx=%d type=%s", idx, pub.Type)
				}
				if pub.Port <= 0 || pub.Port > 65535 {
					return fmt.Errorf("config: invalid publisher port: idx=%d port=%d", idx, pub.Port)
				}
				if pub.NetworkTimeout < 0 {
					return fmt.Errorf("config: negative publisher network timeout: idx=%d", idx)
				}
				if pub.MaximumPacketSize < 0 {
					return fmt.Errorf("config: negative publisher maximum packet size: idx=%d", idx)
				}
			case PublisherTypeSqlite:
				// An empty database name selects an in-memory database.
			case PublisherTypeLog:
				if pub.LogLevel != "" {
					if _, ok := log.ParseLevel(pub.LogLevel); !ok {
						return fmt.Errorf("config: unknown publisher log level: idx=%d level=%s", idx, pub.LogLevel)
					}
				}
			case PublisherTypeNull:
			default:
				return fmt.Errorf("config: unknown publisher type: idx=%d type=%s", idx, pub.Type)
			}
		}
	}

	/* Agent */

	if c.Agent != nil {
		if c.Agent.SampleInterval < 0 {
			return fmt.Errorf("config: negative agent sample interval")
		}
		if c.Agent.MaxMetrics < 0 {
			return fmt.Errorf("config: negative agent max metrics")
		}
		if c.Agent.MaxAge < 0 {
			return fmt.Errorf("config: negative agent max age")
		}
	}

	return nil
}

// BuildConfiguration assembles the publication configuration described by the
// metrics block. Returns nil when the block is omitted, which leaves a
// recorder accumulating without publishing.
func (c *Config) BuildConfiguration() *publish.Configuration {
	if c.Metrics == nil {
		return nil
	}

	configuration := &publish.Configuration{
		EnableMetaMetrics: c.Metrics.EnableMetaMetrics,
	}

	if c.Metrics.ErrorLoggerName != "" {
		configuration.ErrorLogger = log.NewNamedLogger(
			c.Metrics.ErrorLoggerName,
			log.NewConsoleLogger(log.Error),
		)
	}

	for _, pub := range c.Metrics.Publishers {
		configuration.Publishers = append(configuration.Publishers, buildPublisher(pub))
	}

	return configuration
}

// buildPublisher instantiates a single publisher from its descriptor. The
// descriptor is assumed validated.
func buildPublisher(pub PublisherConfig) publish.Publisher {
	switch pub.Type {
	case PublisherTypeStatsd:
		return publish.NewStatsdPublisher(pub.Host, pub.Port, publish.StatsdPublisherOpts{
			NetworkTimeout:    secondsDuration(pub.NetworkTimeout),
			MaximumPacketSize: pub.MaximumPacketSize,
		})
	case PublisherTypeDogstatsd:
		return publish.NewDogstatsdPublisher(pub.Host, pub.Port, publish.DogstatsdPublisherOpts{
			NetworkTimeout:    secondsDuration(pub.NetworkTimeout),
			MaximumPacketSize: pub.MaximumPacketSize,
			GlobalTags:        metrics.Tags(pub.GlobalTags),
			ExtraGaugeTags:    metrics.Tags(pub.ExtraGaugeTags),
			UseDistributions:  pub.UseDistributions,
		})
	case PublisherTypeSqlite:
		databaseName := pub.DatabaseName
		if databaseName == "" {
			databaseName = publish.MemoryDatabaseName
		}
		return publish.NewSqlitePublisher(databaseName)
	case PublisherTypeLog:
		level := log.Info
		if pub.LogLevel != "" {
			level, _ = log.ParseLevel(pub.LogLevel)
		}
		return publish.NewLogPublisher(log.NewConsoleLogger(log.Debug), level)
	default:
		return publish.NewNullPublisher()
	}
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
