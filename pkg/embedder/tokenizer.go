package embedder

import (
	"strings"
	"sync"
)

// TokenBatch is a batch of tokenized texts padded to a common length.
// Texts carries the raw strings so that providers which own their tokenizer
// (EmbedEverything, OpenAI) can ignore the id tensors.
type TokenBatch struct {
	Texts         []string
	InputIDs      [][]int64
	AttentionMask [][]int64
}

// Len returns the number of sequences in the batch.
func (b *TokenBatch) Len() int { return len(b.Texts) }

// Tokenizer converts raw texts into padded, truncated token id batches.
// Subword tokenization is delegated to the embedding framework; callers that
// need real model vocabularies should adapt their framework's tokenizer to
// this interface.
type Tokenizer interface {
	Tokenize(texts []string, maxLength int) (*TokenBatch, error)
}

const padID int64 = 0

// WordTokenizer is a whitespace tokenizer with an incrementally built
// vocabulary. It exists for offline collation and tests; it is not a subword
// tokenizer and assigns ids in first-seen order.
type WordTokenizer struct {
	mu    sync.Mutex
	vocab map[string]int64
}

// NewWordTokenizer returns an empty-vocabulary word tokenizer.
func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{vocab: make(map[string]int64)}
}

// Tokenize splits each text on whitespace, truncates to maxLength tokens, and
// pads every sequence to the longest sequence in the batch.
func (t *WordTokenizer) Tokenize(texts []string, maxLength int) (*TokenBatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([][]int64, len(texts))
	longest := 0
	for i, text := range texts {
		words := strings.Fields(text)
		if maxLength > 0 && len(words) > maxLength {
			words = words[:maxLength]
		}
		seq := make([]int64, len(words))
		for j, w := range words {
			id, ok := t.vocab[w]
			if !ok {
				id = int64(len(t.vocab)) + 1 // 0 is reserved for padding
				t.vocab[w] = id
			}
			seq[j] = id
		}
		ids[i] = seq
		if len(seq) > longest {
			longest = len(seq)
		}
	}

	batch := &TokenBatch{
		Texts:         append([]string(nil), texts...),
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
	}
	for i, seq := range ids {
		padded := make([]int64, longest)
		mask := make([]int64, longest)
		copy(padded, seq)
		for j := range seq {
			mask[j] = 1
		}
		for j := len(seq); j < longest; j++ {
			padded[j] = padID
		}
		batch.InputIDs[i] = padded
		batch.AttentionMask[i] = mask
	}
	return batch, nil
}

// VocabSize returns the number of distinct words seen so far.
func (t *WordTokenizer) VocabSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vocab)
}
