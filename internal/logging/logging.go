package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/gregtusar/fundingdesk/internal/config"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger writing to console, plus the rotating file
// when one is configured. An invalid level falls back to info and is
// reported once the logger exists.
func New(cfg config.LoggingConfig, console io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()

	switch cfg.Format {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	logger.SetOutput(Output(cfg, console))

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger, nil
}

// Output returns console, or console plus a rotating file when one is configured.
func Output(cfg config.LoggingConfig, console io.Writer) io.Writer {
	if cfg.File == "" {
		return console
	}
	return io.MultiWriter(console, &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}
