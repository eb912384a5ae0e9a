package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/medclip/pkg/checkpoint"
)

// mapModule is a Module backed by a plain map, tracking mismatches the way
// the encoders do.
type mapModule struct {
	params checkpoint.StateDict
}

func (m *mapModule) StateDict() checkpoint.StateDict {
	out := make(checkpoint.StateDict, len(m.params))
	for k, v := range m.params {
		out[k] = v
	}
	return out
}

func (m *mapModule) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	for key := range m.params {
		if tensor, ok := sd[key]; ok {
			m.params[key] = tensor
		} else {
			missing = append(missing, key)
		}
	}
	for key := range sd {
		if _, ok := m.params[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	return missing, unexpected
}

func newMapModule(keys ...string) *mapModule {
	m := &mapModule{params: make(checkpoint.StateDict)}
	for i, key := range keys {
		m.params[key] = checkpoint.Tensor{Shape: []int{1}, Data: []float64{float64(i)}}
	}
	return m
}

func TestSaveAndLoad(t *testing.T) {
	t.Run("round trip restores weights and state", func(t *testing.T) {
		dir := t.TempDir()
		src := newMapModule("fc.weight", "fc.bias")
		src.params["fc.weight"] = checkpoint.Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}

		state := &checkpoint.TrainState{RunID: "run-1", Step: 42, Epoch: 3, BestMetric: 0.81}
		require.NoError(t, checkpoint.Save(dir, src, state))

		dst := newMapModule("fc.weight", "fc.bias")
		require.NoError(t, checkpoint.LoadInto(dir, dst))
		assert.Equal(t, src.params["fc.weight"], dst.params["fc.weight"])

		loaded, err := checkpoint.LoadTrainState(dir)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, 42, loaded.Step)
		assert.Equal(t, 0.81, loaded.BestMetric)
		assert.False(t, loaded.LastUpdatedAt.IsZero())
	})

	t.Run("missing checkpoint returns ErrNoCheckpoint", func(t *testing.T) {
		_, err := checkpoint.LoadWeights(t.TempDir())
		assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
	})

	t.Run("missing train state is not an error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, checkpoint.Save(dir, newMapModule("w"), nil))

		state, err := checkpoint.LoadTrainState(dir)
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("key mismatches are lenient", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, checkpoint.Save(dir, newMapModule("a", "b"), nil))

		// Target has one overlapping key, one of its own.
		dst := newMapModule("a", "c")
		require.NoError(t, checkpoint.LoadInto(dir, dst))
	})
}

func TestStripPrefix(t *testing.T) {
	sd := checkpoint.StateDict{
		"vision_model.projection_head.weight": {Shape: []int{1}, Data: []float64{1}},
		"text_model.projection_head.weight":   {Shape: []int{1}, Data: []float64{2}},
		"logit_scale":                         {Shape: []int{1}, Data: []float64{3}},
	}

	stripped := checkpoint.StripPrefix(sd, checkpoint.VisionPrefix)
	require.Len(t, stripped, 1)
	assert.Contains(t, stripped, "projection_head.weight")
}

func TestLoadVisionFromDual(t *testing.T) {
	dir := t.TempDir()
	dual := newMapModule("vision_model.projection_head.weight", "text_model.projection_head.weight", "logit_scale")
	dual.params["vision_model.projection_head.weight"] = checkpoint.Tensor{Shape: []int{2}, Data: []float64{7, 8}}
	require.NoError(t, checkpoint.Save(dir, dual, nil))

	visionOnly := newMapModule("projection_head.weight")
	require.NoError(t, checkpoint.LoadVisionFromDual(dir, visionOnly))
	assert.Equal(t, []float64{7, 8}, visionOnly.params["projection_head.weight"].Data)
}
