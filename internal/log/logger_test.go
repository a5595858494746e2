package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategory(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.DebugLevel)

	logger := New(l)
	logger.Debugf("bidi:send", "-> %s", `{"id":1}`)

	assert.Contains(t, buf.String(), `"category":"bidi:send"`)
	assert.Contains(t, buf.String(), `-> {\"id\":1}`)
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	logger := New(l)
	require.NoError(t, logger.SetLevel("warn"))

	logger.Infof("cat", "hidden")
	assert.Empty(t, buf.String())
	assert.False(t, logger.DebugMode())

	logger.Warnf("cat", "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNilLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var logger *Logger
	assert.NotPanics(t, func() { logger.Errorf("cat", "nothing %d", 1) })
	assert.False(t, logger.DebugMode())
	assert.Error(t, logger.SetLevel("debug"))
}

func TestLoggerWithoutBackend(t *testing.T) {
	t.Parallel()

	logger := &Logger{}
	assert.NotPanics(t, func() { logger.Debugf("cat", "fallback %s", "output") })
	assert.False(t, logger.DebugMode())
	assert.Error(t, logger.SetLevel("debug"))
	assert.Error(t, logger.SetLevel("loud"))
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	logger, err := NewFromConfig("debug", "json")
	require.NoError(t, err)
	assert.True(t, logger.DebugMode())

	_, err = NewFromConfig("debug", "xml")
	require.Error(t, err)

	_, err = NewFromConfig("loud", "text")
	require.Error(t, err)
}
