package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/vision"
)

// DefaultMaxTextLength is the token budget per report, matching the CLIP
// text encoder context length.
const DefaultMaxTextLength = 77

// Batch is one collated image-text training batch. Pixels and Texts always
// have the same length: each image row is paired with a copy of its
// patient's report.
type Batch struct {
	Pixels *vision.PixelBatch
	Texts  []string
	Tokens *embedder.TokenBatch
}

// Size returns the number of image-text pairs in the batch.
func (b *Batch) Size() int {
	if b.Pixels == nil {
		return 0
	}
	return b.Pixels.N
}

// ImageTextCollator turns patient records into matched image-text pairs:
// every frontal and lateral image of a patient is paired with that patient's
// report text, and all texts are tokenized together with padding to the
// batch's longest sequence and truncation at MaxTextLength.
type ImageTextCollator struct {
	Extractor     *vision.FeatureExtractor
	Tokenizer     embedder.Tokenizer
	MaxTextLength int

	// Train enables random text-window cropping for augmentation
	// diversity across epochs.
	Train bool
	rng   *rand.Rand
}

// NewImageTextCollator builds a collator. rng is required when train is set;
// RNG state is explicit, never ambient.
func NewImageTextCollator(extractor *vision.FeatureExtractor, tokenizer embedder.Tokenizer, train bool, rng *rand.Rand) (*ImageTextCollator, error) {
	if train && rng == nil {
		return nil, fmt.Errorf("training collator requires an explicit rand source")
	}
	return &ImageTextCollator{
		Extractor:     extractor,
		Tokenizer:     tokenizer,
		MaxTextLength: DefaultMaxTextLength,
		Train:         train,
		rng:           rng,
	}, nil
}

// Collate assembles a batch from patient records. Patients without images
// contribute zero samples; an all-empty batch is returned as such, not as an
// error.
func (c *ImageTextCollator) Collate(ctx context.Context, records []PatientRecord) (*Batch, error) {
	pixels := &vision.PixelBatch{}
	var texts []string

	for _, record := range records {
		report := record.Report
		if c.Train {
			report = randomTextWindow(report, c.MaxTextLength, c.rng)
		}

		for _, group := range [][]string{record.Frontal, record.Lateral} {
			if len(group) == 0 {
				continue
			}
			extracted, err := c.Extractor.ExtractFiles(ctx, group)
			if err != nil {
				return nil, fmt.Errorf("patient %s: %w", record.UID, err)
			}
			if err := pixels.Append(extracted); err != nil {
				return nil, fmt.Errorf("patient %s: %w", record.UID, err)
			}
			for range group {
				texts = append(texts, report)
			}
		}
	}

	batch := &Batch{Pixels: pixels, Texts: texts}
	if len(texts) == 0 {
		return batch, nil
	}

	tokens, err := c.Tokenizer.Tokenize(texts, c.MaxTextLength)
	if err != nil {
		return nil, fmt.Errorf("tokenize batch: %w", err)
	}
	batch.Tokens = tokens
	return batch, nil
}

// randomTextWindow returns the text unchanged when it fits the budget;
// otherwise it picks a uniformly random contiguous window of maxLen
// whitespace-split words. Words approximate subword tokens here, which is
// close enough for augmentation purposes.
func randomTextWindow(text string, maxLen int, rng *rand.Rand) string {
	words := strings.Fields(text)
	if len(words) <= maxLen {
		return text
	}
	start := rng.Intn(len(words) - maxLen)
	return strings.Join(words[start:start+maxLen], " ")
}
