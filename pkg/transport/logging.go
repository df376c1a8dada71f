package transport

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	tconfig "github.com/antonionduarte/go-datagram-transport/pkg/transport/config"
)

// componentFilterFormatter drops entries whose "component" field is set to
// a component outside the allowed list. Entries without a component pass.
type componentFilterFormatter struct {
	next    logrus.Formatter
	allowed map[string]struct{}
}

func NewComponentFilterFormatter(next logrus.Formatter, allowedComponents []string) logrus.Formatter {
	allowed := make(map[string]struct{}, len(allowedComponents))
	for _, c := range allowedComponents {
		allowed[c] = struct{}{}
	}
	return &componentFilterFormatter{
		next:    next,
		allowed: allowed,
	}
}

func (f *componentFilterFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if component, ok := entry.Data["component"].(string); ok {
		if _, allowed := f.allowed[component]; !allowed {
			return nil, nil
		}
	}
	return f.next.Format(entry)
}

func ParseLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info":
		fallthrough
	default:
		return logrus.InfoLevel
	}
}

func NewLoggerFromConfig(cfg tconfig.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLogLevel(cfg.Level))
	logger.SetOutput(logOutput(cfg))

	var formatter logrus.Formatter
	switch cfg.Format {
	case "json":
		formatter = &logrus.JSONFormatter{}
	case "text":
		fallthrough
	default:
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	}

	if len(cfg.Components) > 0 {
		formatter = NewComponentFilterFormatter(formatter, cfg.Components)
	}
	logger.SetFormatter(formatter)
	return logger
}

func logOutput(cfg tconfig.LoggingConfig) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}
}
