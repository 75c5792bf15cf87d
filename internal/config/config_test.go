package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadMatcherBackend(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "hnsw", cfg.MatcherBackend)

	t.Setenv("MATCHER_BACKEND", "linear")
	cfg = Load()
	assert.Equal(t, "linear", cfg.MatcherBackend)
}

func TestLoadRecognitionDefaults(t *testing.T) {
	cfg := Load()
	assert.InDelta(t, 0.68, cfg.MatchThreshold, 1e-9)
	assert.InDelta(t, 0.35, cfg.LivenessRelaxedMax, 1e-9)
	assert.Equal(t, 3, cfg.CaptureBurstSize)
	assert.Equal(t, 5, cfg.EnrollBatchSize)
}
