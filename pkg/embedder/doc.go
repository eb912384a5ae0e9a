// Package embedder provides pretrained text encoders for radiology reports
// and class prompts.
//
// The Client interface abstracts over embedding providers; implementations
// delegate tokenization and transformer execution entirely to the backing
// framework. Two providers are included:
//   - EmbedEverything: local models via go-embedeverything
//   - OpenAI: remote embedding endpoints, optionally behind a circuit breaker
//
// The package also defines the TokenBatch shape produced by collators and a
// Tokenizer interface for callers that bring their own subword tokenizer.
package embedder
