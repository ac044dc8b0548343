package env

import (
	"time"

	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for conveyor.
func Process() error {
	if err := envconfig.Process("conveyor", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevel(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by conveyor.
type Environment struct {
	LogLevel             string        `default:"info"`
	Port                 int           `default:"8080"`
	DatabaseType         string        `default:"postgres"`
	DatabaseDSN          string        `default:"host=postgres user=postgres password=postgres dbname=conveyor port=5432 sslmode=disable"`
	DefinitionsDir       string        `default:""`
	DefinitionsPattern   string        `default:"**/*.yaml"`
	DispatchInterval     time.Duration `default:"2s"`
	ExecutorPoolSize     int           `default:"16"`
	AgentLivenessTimeout time.Duration `default:"90s"`
	AgentSweepInterval   time.Duration `default:"15s"`
	GateSweepInterval    time.Duration `default:"30s"`
	GateDefaultTimeout   time.Duration `default:"24h"`
}
