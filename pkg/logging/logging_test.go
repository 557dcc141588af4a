package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	Component(logger, "scheduler").WithField(FieldConfigID, "cfg-1").Info("Registered trigger")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry[FieldComponent])
	assert.Equal(t, "cfg-1", entry[FieldConfigID])
	assert.Equal(t, "Registered trigger", entry["msg"])
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := New("chatty", "text", &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestComponentNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "retention").Warn("dropped")
	})
}
