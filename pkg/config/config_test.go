package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Train.BatchSize)
	assert.Equal(t, 10, cfg.Train.NumEpochs)
	assert.InDelta(t, 0.1, cfg.Train.Warmup, 1e-12)
	assert.InDelta(t, 5e-5, cfg.Train.LR, 1e-12)
	assert.Equal(t, int64(42), cfg.Train.Seed)
	assert.True(t, cfg.Train.Ensemble)
	assert.Equal(t, 768, cfg.Vision.EmbeddingDim)
	assert.Equal(t, 224, cfg.Vision.ImageSize)
	assert.Equal(t, "embedeverything", cfg.Text.Provider)
	assert.True(t, cfg.CircuitBreaker.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MEDCLIP_DATA_DIR", "/data/iu_xray")
	t.Setenv("MEDCLIP_SEED", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Text.APIKey)
	assert.Equal(t, "/data/iu_xray", cfg.Data.Dir)
	assert.Equal(t, int64(7), cfg.Train.Seed)
}

func TestEnvOverrideIgnoresBadSeed(t *testing.T) {
	viper.Reset()
	t.Setenv("MEDCLIP_SEED", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Train.Seed)
}
