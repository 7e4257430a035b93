package observability

import (
	"github.com/danmuck/edgestream/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime logging profile and tags every entry
// with the application name.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a sub-logger of the global logger for one component.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
