package middleware

import (
	"testing"

	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observeLogs swaps the global logger for an observer and fresh metrics for
// the duration of the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	metrics.Reset()
	metrics.Init()

	core, logs := observer.New(zapcore.DebugLevel)
	prev := logging.Get()
	logging.SetLogger(zap.New(core).Sugar())
	t.Cleanup(func() { logging.SetLogger(prev) })
	return logs
}
