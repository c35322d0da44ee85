package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", "json")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", "json")
	require.ErrorContains(t, err, "level")

	_, err = New("info", "xml")
	require.ErrorContains(t, err, "unknown format")
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "ab...", Truncate("abcdef", 2))
	require.Equal(t, "안전...", Truncate("안전보건", 2))
}
