package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	z := NewZapLogger(nil)
	SetLogger(z)
	require.Same(t, z, Log())

	SetLogger(nil)
	require.IsType(t, noopLogger{}, Log())
}

func TestZapLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).Named("flow")

	l.Warn("callback failed", F("subscription", "sub-1"), F("error", errors.New("boom")))
	l.Debug("published", F("count", 3))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "flow", entries[0].LoggerName)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	require.Equal(t, "sub-1", ctx["subscription"])
	require.Equal(t, "boom", ctx["error"])
	require.EqualValues(t, 3, entries[1].ContextMap()["count"])
}

func TestNewProductionLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewProductionLogger("loud")
	require.Error(t, err)

	l, err := NewProductionLogger("info")
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestReportErrorsLogsOnInjectedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core))

	require.NoError(t, ReportErrors(l, "relay close", nil))
	require.NoError(t, ReportErrors(l, "relay close", multierr.Combine(nil, nil)))
	require.Zero(t, logs.Len())

	a, b := errors.New("a"), errors.New("b")
	err := ReportErrors(l, "relay close", multierr.Combine(a, nil, b), F("relay", "edge"))
	require.ErrorIs(t, err, a)
	require.ErrorIs(t, err, b)
	require.Contains(t, err.Error(), "relay close failed")

	entries := logs.FilterMessage("relay close failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	require.EqualValues(t, 2, ctx["error_count"])
	require.Equal(t, "edge", ctx["relay"])
}
