package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProbe(t *testing.T, numClass int, mode ProbeMode) *LinearProbe {
	t.Helper()
	// Zero pooled embeddings make the head output exactly its (zero) bias,
	// giving closed-form losses.
	v := &stubVision{dim: 2, out: [][]float32{{0, 0}, {0, 0}}}
	encoder := NewVisionEncoder(v, 2, rand.New(rand.NewSource(5)))
	probe, err := NewLinearProbe(encoder, numClass, mode, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	return probe
}

func TestNewLinearProbe(t *testing.T) {
	tests := []struct {
		name    string
		mode    ProbeMode
		wantErr bool
	}{
		{name: "multiclass", mode: ModeMulticlass},
		{name: "multilabel", mode: ModeMultilabel},
		{name: "binary", mode: ModeBinary},
		{name: "case insensitive", mode: ProbeMode("Binary")},
		{name: "unknown mode", mode: ProbeMode("regression"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubVision{dim: 2}
			encoder := NewVisionEncoder(v, 2, rand.New(rand.NewSource(5)))
			probe, err := NewLinearProbe(encoder, 3, tt.mode, rand.New(rand.NewSource(5)))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, ProbeMode("Binary"), probe.Mode())
		})
	}
}

func TestLinearProbeForward(t *testing.T) {
	t.Run("binary uses a single logit and BCE", func(t *testing.T) {
		probe := newProbe(t, 2, ModeBinary)
		out, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{1, 0},
			ComputeLoss: true,
		})
		require.NoError(t, err)

		_, cols := out.Logits.Dims()
		assert.Equal(t, 1, cols)
		require.True(t, out.HasLoss)
		assert.InDelta(t, math.Log(2), out.Loss, 1e-12)
	})

	t.Run("multiclass uses cross entropy over numClass logits", func(t *testing.T) {
		probe := newProbe(t, 3, ModeMulticlass)
		out, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{0, 2},
			ComputeLoss: true,
		})
		require.NoError(t, err)

		_, cols := out.Logits.Dims()
		assert.Equal(t, 3, cols)
		assert.InDelta(t, math.Log(3), out.Loss, 1e-12)
	})

	t.Run("multilabel takes dense targets", func(t *testing.T) {
		probe := newProbe(t, 3, ModeMultilabel)
		out, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{1, 0, 1, 0, 1, 0},
			LabelShape:  []int{2, 3},
			ComputeLoss: true,
		})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(2), out.Loss, 1e-12)
	})

	t.Run("two-class multiclass falls back to BCE", func(t *testing.T) {
		probe := newProbe(t, 2, ModeMulticlass)
		out, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{1, 0},
			ComputeLoss: true,
		})
		require.NoError(t, err)

		_, cols := out.Logits.Dims()
		assert.Equal(t, 1, cols)
		assert.InDelta(t, math.Log(2), out.Loss, 1e-12)
	})

	t.Run("inference skips the loss", func(t *testing.T) {
		probe := newProbe(t, 3, ModeMulticlass)
		out, err := probe.Forward(context.Background(), ProbeInput{Pixels: pixelBatch(2)})
		require.NoError(t, err)
		assert.False(t, out.HasLoss)
	})

	t.Run("non-integral class labels rejected", func(t *testing.T) {
		probe := newProbe(t, 3, ModeMulticlass)
		_, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{0.5, 1},
			ComputeLoss: true,
		})
		assert.Error(t, err)
	})

	t.Run("label shape mismatch rejected", func(t *testing.T) {
		probe := newProbe(t, 3, ModeMultilabel)
		_, err := probe.Forward(context.Background(), ProbeInput{
			Pixels:      pixelBatch(2),
			Labels:      []float64{1, 0, 1},
			LabelShape:  []int{2, 3},
			ComputeLoss: true,
		})
		assert.Error(t, err)
	})
}

func TestLinearProbeStateDict(t *testing.T) {
	src := newProbe(t, 3, ModeMulticlass)
	dst := newProbe(t, 3, ModeMulticlass)

	missing, unexpected := dst.LoadStateDict(src.StateDict())
	assert.Empty(t, missing)
	assert.Empty(t, unexpected)
	assert.True(t, dst.fc.RawMatrix().Data[0] == src.fc.RawMatrix().Data[0])
}
