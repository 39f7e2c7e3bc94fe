package logger

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"
)

func TestInitLoggerRejectsBadInput(t *testing.T) {
	assert.NotEqual(t, InitLogger("loud", "json"), nil)
	assert.NotEqual(t, InitLogger("info", "xml"), nil)
}

func TestInitLoggerSetsLevel(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	assert.Equal(t, InitLogger("warn", "console"), nil)
	assert.Equal(t, Log.Core().Enabled(zap.InfoLevel), false)
	assert.Equal(t, Log.Core().Enabled(zap.WarnLevel), true)
}
