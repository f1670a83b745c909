package observability

import (
	"log/slog"
	"os"

	"github.com/relayq/relayq/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields and
// installs it as the default.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
