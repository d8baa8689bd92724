package app

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/charlesng35/giftbox/pkg/logger"
)

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(logger.Replace(logger.Logger()))

	require.NoError(t, ConfigureLogging(ServerConfig{LogLevel: "debug"}))
	require.Equal(t, zapcore.DebugLevel, logger.Level())

	require.NoError(t, ConfigureLogging(ServerConfig{LogFormat: "console"}))
	require.Equal(t, zapcore.InfoLevel, logger.Level())

	require.Error(t, ConfigureLogging(ServerConfig{LogFormat: "xml"}))
}
