package observability

import (
	"github.com/danmuck/cellmesh/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime profile once and tags the global logger
// with the process and cell it serves.
func InitLogger(app, cell string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Str("cell", cell).Logger()
	log.Logger = logger
	return logger
}
