package model

import (
	"context"
	"fmt"

	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/vision"
)

// VisionBackbone produces pooled pre-projection embeddings for pixel
// batches. *vision.Backbone is the ONNX-backed implementation.
type VisionBackbone interface {
	PooledOutput(ctx context.Context, pixels *vision.PixelBatch) ([][]float32, error)
	Dim() int
}

// TextBackbone produces pooled pre-projection embeddings for token batches.
type TextBackbone interface {
	PooledOutput(ctx context.Context, tokens *embedder.TokenBatch) ([][]float32, error)
	Dim() int
}

// EmbedderTextBackbone adapts an embedder.Client into a TextBackbone. The
// client owns tokenization, so only the raw texts of the batch are used.
type EmbedderTextBackbone struct {
	client embedder.Client
}

// NewEmbedderTextBackbone wraps client as a text backbone.
func NewEmbedderTextBackbone(client embedder.Client) *EmbedderTextBackbone {
	return &EmbedderTextBackbone{client: client}
}

// PooledOutput embeds the batch's raw texts.
func (b *EmbedderTextBackbone) PooledOutput(ctx context.Context, tokens *embedder.TokenBatch) ([][]float32, error) {
	if tokens == nil || len(tokens.Texts) == 0 {
		return nil, fmt.Errorf("empty token batch")
	}
	return b.client.Embed(ctx, tokens.Texts)
}

// Dim returns the embedding width of the backing client.
func (b *EmbedderTextBackbone) Dim() int { return b.client.Dimensions() }
