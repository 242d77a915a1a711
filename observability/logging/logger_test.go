package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newBufferLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts := DefaultOptions()
	opts.Writer = buf
	opts.Level = level
	opts.IncludeLocation = false
	return NewZapLogger(opts), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestZapLoggerFieldsAndLevel(t *testing.T) {
	l, buf := newBufferLogger(t, LevelInfo)

	l.Debug("hidden", nil)
	l.With(map[string]interface{}{FieldUserID: "u1"}).Info("mfa verified", map[string]interface{}{
		FieldEvent: "mfa.verify",
		FieldError: errors.New("none"),
	})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "mfa verified", lines[0]["message"])
	assert.Equal(t, "u1", lines[0][FieldUserID])
	assert.Equal(t, "mfa.verify", lines[0][FieldEvent])
	assert.Equal(t, "none", lines[0][FieldError])
	assert.Equal(t, "idguard", lines[0][FieldService])

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.GetLevel())
	l.Debug("visible", nil)
	assert.Len(t, decodeLines(t, buf), 2)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestGrpcUnaryServerInterceptor(t *testing.T) {
	l, buf := newBufferLogger(t, LevelDebug)
	interceptor := GrpcUnaryServerInterceptor(l)
	info := &grpc.UnaryServerInfo{FullMethod: "/idguard.v1.Token/Refresh"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	})
	require.Error(t, err)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "Refresh", lines[0][FieldMethod])
	assert.Equal(t, "Unauthenticated", lines[0][FieldStatus])
}
