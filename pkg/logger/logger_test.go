package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := New(Config{Level: "verbose", Format: "json"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewWithFileSink(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Level: "debug", Format: "console", File: filepath.Join(dir, "engine.log"), MaxSizeMB: 1})
	require.NoError(t, err)
	log.Named("tracker").Info("hello", String("k", "v"))
	_ = log.Sync()
}

func TestWithFlightAddsField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := Wrap(zap.New(core)).WithFlight("3c6444")

	log.Info("entered")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "entered", entry.Message)
	assert.Equal(t, "3c6444", entry.ContextMap()["flight_id"])
}
