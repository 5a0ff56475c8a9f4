package infra

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var initPC = caller()

func caller() Frame {
	var PCs [3]uintptr
	n := runtime.Callers(2, PCs[:])
	frames := runtime.CallersFrames(PCs[:n])
	frame, _ := frames.Next()
	return Frame(frame.PC)
}

func TestFrameFormat(t *testing.T) {
	testcases := []struct {
		Frame
		format string
		want   string
	}{
		{initPC, "%s", "err_stack_test.go"},
		{initPC, "%n", "init"},
		{initPC, "%d", "16"},
		{initPC, "%v", "err_stack_test.go:16"},
		{Frame(0), "%s", "unknownFile"},
		{Frame(0), "%n", "unknownFunc"},
		{Frame(0), "%d", "0"},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.want, fmt.Sprintf(tc.format, tc.Frame))
	}

	full := fmt.Sprintf("%+v", initPC)
	require.True(t, strings.HasPrefix(full, "github.com/benz9527/xmap/lib/infra.init\n\t"))
	require.True(t, strings.HasSuffix(full, "err_stack_test.go:16"))
}

func TestFrameMarshal(t *testing.T) {
	text, err := initPC.MarshalText()
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(text, []byte("github.com/benz9527/xmap/lib/infra.init ")))

	text, err = Frame(0).MarshalText()
	require.NoError(t, err)
	require.Equal(t, []byte("unknownFrame"), text)

	js, err := json.Marshal(Frame(0))
	require.NoError(t, err)
	require.Equal(t, "{\"frame\":\"unknownFrame\"}", string(js))

	js, err = json.Marshal(initPC)
	require.NoError(t, err)
	m := map[string]string{}
	require.NoError(t, json.Unmarshal(js, &m))
	require.Equal(t, "github.com/benz9527/xmap/lib/infra.init", m["func"])
}

func TestErrorStack(t *testing.T) {
	sentinel := errors.New("sentinel")

	err := WrapErrorStackWithMessage(sentinel, "retry exhausted")
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, "retry exhausted: sentinel", err.Error())

	var es ErrorStack
	require.True(t, errors.As(err, &es))
	require.NotEmpty(t, es.Frames())
	require.Contains(t, fmt.Sprintf("%+v", err), "err_stack_test.go")

	// The first stack wins.
	require.Same(t, err, WrapErrorStack(err))
	require.Nil(t, WrapErrorStack(nil))
	require.Nil(t, WrapErrorStackWithMessage(nil, "nothing"))

	err = NewErrorStack("plain")
	require.Equal(t, "plain", err.Error())
	require.Nil(t, errors.Unwrap(err))

	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, err.(ErrorStack).MarshalLogObject(enc))
	require.Equal(t, "plain", enc.Fields["error"])
	require.NotEmpty(t, enc.Fields["errorStack"])
}
