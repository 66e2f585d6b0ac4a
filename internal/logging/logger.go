// Package logging owns the process-wide zap logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogFile  = "TEMPMAIL_LOG_FILE"
	envLogLevel = "TEMPMAIL_LOG_LEVEL"
)

var logger *zap.SugaredLogger

func init() {
	InitLogger("production")
}

// InitLogger replaces the process logger. mode "development" selects a
// colored console encoder; anything else selects JSON with ISO8601
// timestamps. TEMPMAIL_LOG_LEVEL and TEMPMAIL_LOG_FILE adjust either.
func InitLogger(mode string) {
	l, err := buildConfig(mode).Build()
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

func buildConfig(mode string) zap.Config {
	var cfg zap.Config
	if strings.EqualFold(mode, "development") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.MessageKey = "message"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if file := os.Getenv(envLogFile); file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, file)
	}

	// an unparsable level keeps the mode's default
	if raw := os.Getenv(envLogLevel); raw != "" {
		if level, err := zapcore.ParseLevel(raw); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return cfg
}

// SetLogger swaps in a prepared logger, typically an observer core in tests.
// nil is ignored.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

func Get() *zap.SugaredLogger {
	return logger
}

func With(args ...interface{}) *zap.SugaredLogger {
	return logger.With(args...)
}

func WithRequestID(requestID string) *zap.SugaredLogger {
	return logger.With("request_id", requestID)
}

// WithComponent tags entries with the subsystem that wrote them.
func WithComponent(name string) *zap.SugaredLogger {
	return logger.With("component", name)
}

func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
