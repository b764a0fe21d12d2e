// Package config resolves ultask's environment-driven defaults: the work
// directory root and logging verbosity/format. Grounded on the teacher's
// env-var-first configuration style (dependencies.go's GetFunctionRepository,
// which checks an env var override before falling back to a built-in
// default) and its existing github.com/xyproto/env/v2 dependency.
package config

import (
	"github.com/xyproto/env/v2"
)

const (
	defaultRootDir    = "/var/run/ultask"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	envRootDir        = "ULTASK_ROOT_DIR"
	envLogLevel       = "ULTASK_LOG_LEVEL"
	envLogFormat      = "ULTASK_LOG_FORMAT"
)

// Config holds the ambient settings the core consumes. The CLI may also
// honour other logging env vars belonging to its external collaborator;
// this struct only covers what the core itself reads.
type Config struct {
	RootDir   string
	LogLevel  string
	LogFormat string
}

// Load reads ULTASK_ROOT_DIR, ULTASK_LOG_LEVEL and ULTASK_LOG_FORMAT,
// falling back to the documented defaults when unset.
func Load() Config {
	return Config{
		RootDir:   env.Str(envRootDir, defaultRootDir),
		LogLevel:  env.Str(envLogLevel, defaultLogLevel),
		LogFormat: env.Str(envLogFormat, defaultLogFormat),
	}
}
