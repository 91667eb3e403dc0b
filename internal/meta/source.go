package meta

import (
	"os"

	"statrelay/internal/publish"
)

// DefaultConfigVariable is the environment variable consulted by the default
// environment source.
const DefaultConfigVariable = "STATRELAY_CONFIG"

// EnvironmentSource discovers the publication configuration from a config
// file path named by an environment variable. An unset variable or a missing
// file yields no configuration rather than an error, so that instrumented
// applications run unchanged in environments without metrics infrastructure.
type EnvironmentSource struct {
	// Variable is the environment variable holding the config file path.
	// Defaults to DefaultConfigVariable.
	Variable string
}

// MetricsConfiguration loads and assembles the publication configuration, or
// returns (nil, nil) when none is discoverable. A present but malformed
// configuration is an error.
func (s EnvironmentSource) MetricsConfiguration() (*publish.Configuration, error) {
	variable := s.Variable
	if variable == "" {
		variable = DefaultConfigVariable
	}

	path := os.Getenv(variable)
	if path == "" {
		return nil, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	cfg, err := ParseConfig(path)
	if err != nil {
		return nil, err
	}

	return cfg.BuildConfiguration(), nil
}
