package embedder

import "context"

// Client generates pooled text embeddings for batches of report or prompt
// texts. Implementations own the tokenizer and transformer execution.
type Client interface {
	// Embed returns one embedding per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle embeds a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int

	// Close releases any model resources.
	Close() error
}

// Config holds provider-neutral embedding settings.
type Config struct {
	Model      string
	BaseURL    string
	Dimensions int
	BatchSize  int
}
