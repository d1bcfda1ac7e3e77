package observability

import (
	"os"

	"github.com/danmuck/apmctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process logger tagged with app.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logger := logging.New(os.Stderr, cfg).With().Str("app", app).Logger()
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = logger
	return logger
}
