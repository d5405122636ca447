package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(Config{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
	Flush(logger)
}

func TestNewLoggerRejectsInvalidConfig(t *testing.T) {
	_, err := NewLogger(Config{Level: "shouting"})
	assert.Error(t, err)

	_, err = NewLogger(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, 100, cfg.Sampling.Initial)
}
