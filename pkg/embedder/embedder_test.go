package embedder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/medclip/pkg/embedder"
)

func TestNewOpenAIEmbedder(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		config embedder.Config
	}{
		{
			name:   "valid API key",
			apiKey: "test-api-key",
			config: embedder.Config{Model: "text-embedding-3-small"},
		},
		{
			name:   "custom base URL",
			apiKey: "test-api-key",
			config: embedder.Config{Model: "text-embedding-3-small", BaseURL: "https://api.example.com"},
		},
		{
			name:   "empty model uses default",
			apiKey: "test-api-key",
			config: embedder.Config{Dimensions: 1536},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := embedder.NewOpenAIEmbedder(tt.apiKey, tt.config)
			require.NotNil(t, client)
			assert.Equal(t, tt.config.Dimensions, client.Dimensions())
			assert.NoError(t, client.Close())
		})
	}
}

func TestWordTokenizer(t *testing.T) {
	t.Run("pads to longest sequence", func(t *testing.T) {
		tok := embedder.NewWordTokenizer()
		batch, err := tok.Tokenize([]string{"heart size normal", "no acute disease seen today"}, 77)
		require.NoError(t, err)

		require.Equal(t, 2, batch.Len())
		assert.Len(t, batch.InputIDs[0], 5)
		assert.Len(t, batch.InputIDs[1], 5)
		assert.Equal(t, []int64{1, 1, 1, 0, 0}, batch.AttentionMask[0])
		assert.Equal(t, []int64{1, 1, 1, 1, 1}, batch.AttentionMask[1])
		// Padding positions hold the reserved id 0.
		assert.Equal(t, int64(0), batch.InputIDs[0][3])
		assert.Equal(t, int64(0), batch.InputIDs[0][4])
	})

	t.Run("truncates to max length", func(t *testing.T) {
		tok := embedder.NewWordTokenizer()
		batch, err := tok.Tokenize([]string{"a b c d e f g h"}, 3)
		require.NoError(t, err)

		assert.Len(t, batch.InputIDs[0], 3)
		assert.Equal(t, 3, tok.VocabSize())
	})

	t.Run("same word maps to same id", func(t *testing.T) {
		tok := embedder.NewWordTokenizer()
		batch, err := tok.Tokenize([]string{"normal normal opacity"}, 77)
		require.NoError(t, err)

		assert.Equal(t, batch.InputIDs[0][0], batch.InputIDs[0][1])
		assert.NotEqual(t, batch.InputIDs[0][0], batch.InputIDs[0][2])
	})

	t.Run("carries raw texts", func(t *testing.T) {
		tok := embedder.NewWordTokenizer()
		texts := []string{"cardiomegaly", "pleural effusion"}
		batch, err := tok.Tokenize(texts, 77)
		require.NoError(t, err)
		assert.Equal(t, texts, batch.Texts)
	})
}

// fakeClient is a deterministic in-process embedding client.
type fakeClient struct {
	dims int
	err  error

	calls int
}

func (f *fakeClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		vec[i%f.dims] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeClient) Dimensions() int { return f.dims }
func (f *fakeClient) Close() error    { return nil }

func TestCircuitBreakerClient(t *testing.T) {
	t.Run("passes through successful calls", func(t *testing.T) {
		fake := &fakeClient{dims: 4}
		client := embedder.NewCircuitBreakerClient(fake, embedder.DefaultBreakerConfig(), "test")

		vecs, err := client.Embed(context.Background(), []string{"a", "b"})
		require.NoError(t, err)
		require.Len(t, vecs, 2)
		assert.Equal(t, 4, client.Dimensions())
		assert.Equal(t, 1, fake.calls)
	})

	t.Run("opens after repeated failures", func(t *testing.T) {
		fake := &fakeClient{dims: 4, err: errors.New("provider down")}
		client := embedder.NewCircuitBreakerClient(fake, embedder.DefaultBreakerConfig(), "test")

		for i := 0; i < 5; i++ {
			_, err := client.Embed(context.Background(), []string{"a"})
			require.Error(t, err)
		}

		// Once open, calls fail fast without reaching the provider.
		before := fake.calls
		_, err := client.Embed(context.Background(), []string{"a"})
		require.Error(t, err)
		assert.Equal(t, before, fake.calls)
	})
}
