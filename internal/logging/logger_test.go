package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New("WARN", true)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = New("", false)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", false)
	assert.ErrorContains(t, err, "invalid log level")
}
