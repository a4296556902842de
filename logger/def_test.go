package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSet_ReplacesProcessLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	Log().Info("plain", zap.Int("n", 1))
	S().Infof("sugared %d", 2)
	zap.L().Warn("global")

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, "plain", entries[0].Message)
		assert.Equal(t, "sugared 2", entries[1].Message)
		assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	}
}

func TestInit_Modes(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })
	for _, mode := range []string{"release", "debug", "test"} {
		assert.NoError(t, Init(mode), mode)
		assert.NotNil(t, Log())
		assert.NotNil(t, S())
	}
	Sync()
}

func TestNewConfig_Levels(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, newConfig("release").Level.Level())
	assert.Equal(t, "json", newConfig("release").Encoding)
	assert.Equal(t, zapcore.ErrorLevel, newConfig("test").Level.Level())
	assert.Equal(t, zapcore.DebugLevel, newConfig("debug").Level.Level())
	assert.Equal(t, "console", newConfig("debug").Encoding)
	assert.Equal(t, "timestamp", newConfig("debug").EncoderConfig.TimeKey)
}
