package xlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/benz9527/xmap/lib/infra"
)

type testMemOutWriter struct {
	lock sync.Mutex
	data []byte
}

func (w *testMemOutWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *testMemOutWriter) Reset() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.data = make([]byte, 0, 4096)
}

func (w *testMemOutWriter) lines(t *testing.T) []map[string]any {
	w.lock.Lock()
	defer w.lock.Unlock()
	res := make([]map[string]any, 0, 8)
	for _, line := range bytes.Split(bytes.TrimSpace(w.data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &m), string(line))
		res = append(res, m)
	}
	return res
}

func newTestMemWriter(t *testing.T) *testMemOutWriter {
	w := &testMemOutWriter{data: make([]byte, 0, 4096)}
	require.NoError(t, writerMap.AddOrUpdate(testMemAsOut, zapcore.AddSync(w)))
	return w
}

func newTestJSONLogger(t *testing.T, opts ...XLoggerOption) (XLogger, *testMemOutWriter) {
	w := newTestMemWriter(t)
	opts = append([]XLoggerOption{
		WithXLoggerLevel(LogLevelDebug),
		WithXLoggerEncoder(JSON),
		WithXLoggerWriter(testMemAsOut),
	}, opts...)
	return NewXLogger(opts...), w
}

func TestLogLevelString(t *testing.T) {
	require.Equal(t, "DEBUG", LogLevelDebug.String())
	require.Equal(t, "INFO", LogLevelInfo.String())
	require.Equal(t, "WARN", LogLevelWarn.String())
	require.Equal(t, "ERROR", LogLevelError.String())
	require.Equal(t, zapcore.DebugLevel, LogLevelDebug.zapLevel())
	require.Equal(t, zapcore.InfoLevel, LogLevelInfo.zapLevel())
	require.Equal(t, zapcore.WarnLevel, LogLevelWarn.zapLevel())
	require.Equal(t, zapcore.ErrorLevel, LogLevelError.zapLevel())

	require.Equal(t, zapcore.WarnLevel, ParseLogLevel(" warn "))
	require.Equal(t, zapcore.ErrorLevel, ParseLogLevel("Error"))
	require.Equal(t, zapcore.DebugLevel, ParseLogLevel(""))
	require.Equal(t, zapcore.DebugLevel, ParseLogLevel("verbose"))
}

type testBanner struct{}

func (b testBanner) JSON() string {
	return "{\"app\":\"xmap\"}"
}

func (b testBanner) PlainText() string {
	return "xmap"
}

func TestXLogger_Banner(t *testing.T) {
	printBanner = sync.Once{}
	logger, w := newTestJSONLogger(t)
	logger.Banner(testBanner{})
	require.Equal(t, "{\"banner\":\"{\\\"app\\\":\\\"xmap\\\"}\"}\n", string(w.data))

	w.Reset()
	logger.Banner(testBanner{})
	require.Empty(t, w.data)
}

func TestXLogger_ContextFields(t *testing.T) {
	logger, w := newTestJSONLogger(t,
		WithXLoggerContextFieldExtract("traceId", "trace"),
		WithXLoggerContextFieldExtract("worker"),
		WithXLoggerContextFieldExtract("secret", ContextKeyMapToOmitempty),
	)

	ctx := context.WithValue(context.Background(), "traceId", "t-1")
	ctx = context.WithValue(ctx, "secret", "s")
	logger.InfoContext(ctx, "with context", zap.Int("n", 1))
	logger.WarnContext(context.Background(), "without context")

	lines := w.lines(t)
	require.Len(t, lines, 2)
	require.Equal(t, "with context", lines[0]["msg"])
	require.Equal(t, "INFO", lines[0]["lvl"])
	require.Equal(t, "t-1", lines[0]["trace"])
	require.Equal(t, "nil", lines[0]["worker"])
	require.Equal(t, float64(1), lines[0]["n"])
	require.NotContains(t, lines[0], "secret")
	require.Equal(t, "WARN", lines[1]["lvl"])
	require.Equal(t, "nil", lines[1]["trace"])
}

func TestXLogger_ErrorStack(t *testing.T) {
	logger, w := newTestJSONLogger(t)

	err := infra.WrapErrorStackWithMessage(errors.New("boom"), "insert")
	logger.ErrorStack(err, "stack")
	logger.ErrorStack(errors.New("plain"), "no stack")
	logger.Error(err, "flat")
	logger.ErrorStackf(err, "stack %d", 2)

	lines := w.lines(t)
	require.Len(t, lines, 4)
	require.Equal(t, "insert: boom", lines[0]["error"])
	require.NotEmpty(t, lines[0]["errorStack"])
	require.Equal(t, "plain", lines[1]["error"])
	require.NotContains(t, lines[1], "errorStack")
	require.Equal(t, "insert: boom", lines[2]["error"])
	require.NotContains(t, lines[2], "errorStack")
	require.Equal(t, "stack 2", lines[3]["msg"])
	require.NotEmpty(t, lines[3]["errorStack"])
}

func TestXLogger_DynamicLevel(t *testing.T) {
	logger, w := newTestJSONLogger(t)
	require.Equal(t, "debug", logger.Level())

	logger.IncreaseLogLevel(zapcore.WarnLevel)
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	require.Equal(t, "warn", logger.Level())

	logger.IncreaseLogLevel(ParseLogLevel("debug"))
	logger.Logf(zapcore.DebugLevel, "kept %s", "again")

	lines := w.lines(t)
	require.Len(t, lines, 2)
	require.Equal(t, "kept", lines[0]["msg"])
	require.Equal(t, "kept again", lines[1]["msg"])
}

func TestXLogger_TeeCores(t *testing.T) {
	logger, w := newTestJSONLogger(t, WithXLoggerConsoleCore(), WithXLoggerConsoleCore())
	logger.Info("twice")
	lines := w.lines(t)
	require.Len(t, lines, 2)
	require.Equal(t, lines[0]["msg"], lines[1]["msg"])
	require.NoError(t, logger.Sync())
}

func TestXLogger_InvalidOptions(t *testing.T) {
	require.Panics(t, func() {
		NewXLogger(WithXLoggerEncoder(_encMax))
	})
	require.Panics(t, func() {
		NewXLogger(WithXLoggerWriter(_writerMax))
	})
}

func TestAntsXLogger_AntsPool(t *testing.T) {
	var nilLogger *AntsXLogger
	nilLogger.Printf("ignored %d", 1)

	parent, w := newTestJSONLogger(t)
	logger := NewAntsXLogger(parent)
	p, err := ants.NewPool(2, ants.WithLogger(logger))
	require.NoError(t, err)
	defer p.Release()

	logger.Printf("worker %d exits", 1)
	require.NoError(t, p.Submit(func() {
		panic("xlogger panic in ants pool")
	}))
	require.Eventually(t, func() bool {
		return len(w.lines(t)) >= 2
	}, time.Second, 10*time.Millisecond)

	lines := w.lines(t)
	require.Equal(t, "Ants", lines[0]["component"])
	require.Equal(t, "ERROR", lines[0]["lvl"])
	require.Equal(t, "worker 1 exits", lines[0]["msg"])
	require.NotContains(t, lines[0], "callAt")
}

func TestFxXLogger_LogEvent(t *testing.T) {
	var nilLogger *FxXLogger
	nilLogger.LogEvent(&fxevent.Started{})

	parent, w := newTestJSONLogger(t)
	logger := NewFxXLogger(parent)
	logger.LogEvent(&fxevent.Started{})
	logger.LogEvent(&fxevent.Provided{
		ConstructorName: "stress.NewRunner()",
		OutputTypeNames: []string{"*stress.Runner"},
		ModuleName:      "stress",
	})
	logger.LogEvent(&fxevent.OnStopExecuted{
		FunctionName: "stop",
		Err:          errors.New("stop failed"),
	})

	lines := w.lines(t)
	require.Len(t, lines, 3)
	require.Equal(t, "RUNNING", lines[0]["msg"])
	require.Equal(t, "Fx", lines[0]["component"])
	require.Equal(t, "stress", lines[1]["module"])
	require.Equal(t, "*stress.Runner", lines[1]["rtype"])
	require.Equal(t, "ERROR", lines[2]["lvl"])
	require.Equal(t, "stop failed", lines[2]["error"])
}
