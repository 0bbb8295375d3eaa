package runtime

import (
	"log/slog"

	"github.com/drksbr/vncmux/internal/logger"
	"github.com/drksbr/vncmux/internal/version"
)

// Options holds flags shared by every subcommand.
type Options struct {
	JSONLogs    bool
	LogLevel    string
	Environment string

	logger *logger.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		Environment: o.Environment,
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = l
	slog.SetDefault(l.Logger)
	return nil
}

// Logger returns the configured root logger, or nil before SetupLogger.
func (o *Options) Logger() *logger.Logger {
	return o.logger
}
