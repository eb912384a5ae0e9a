package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soundprediction/medclip/pkg/dataset"
	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/model"
	"github.com/soundprediction/medclip/pkg/vision"
)

// ZeroShotScorer scores image batches against class prompt sets.
// *model.PromptClassifier is the production implementation.
type ZeroShotScorer interface {
	Forward(ctx context.Context, pixels *vision.PixelBatch, prompts map[string]*embedder.TokenBatch) (*model.PromptOutput, error)
}

// Metrics summarizes a zero-shot evaluation pass.
type Metrics struct {
	Accuracy float64
	PerClass map[string]float64
	Samples  int
}

// Evaluator runs the prompt classifier over a held-out labeled image set.
// Dataset labels must index into the sorted class-name order, which is the
// order the classifier reports.
type Evaluator struct {
	Scorer  ZeroShotScorer
	Loader  *dataset.ZeroShotLoader
	Prompts map[string]*embedder.TokenBatch
}

// Evaluate classifies every batch and reports overall and per-class
// accuracy.
func (e *Evaluator) Evaluate(ctx context.Context) (*Metrics, error) {
	e.Loader.Reset()

	var classNames []string
	correct := make(map[string]int)
	total := make(map[string]int)
	var hits, samples int

	for {
		batch, err := e.Loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("evaluation batch: %w", err)
		}

		out, err := e.Scorer.Forward(ctx, batch.Pixels, e.Prompts)
		if err != nil {
			return nil, err
		}
		classNames = out.ClassNames

		preds := out.Predictions()
		if len(preds) != len(batch.Labels) {
			return nil, fmt.Errorf("got %d predictions for %d labels", len(preds), len(batch.Labels))
		}
		for i, pred := range preds {
			label := batch.Labels[i]
			if label < 0 || label >= len(classNames) {
				return nil, fmt.Errorf("label %d out of range for %d classes", label, len(classNames))
			}
			name := classNames[label]
			total[name]++
			samples++
			if pred == label {
				correct[name]++
				hits++
			}
		}
	}

	if samples == 0 {
		return nil, fmt.Errorf("evaluation dataset yielded no samples")
	}

	metrics := &Metrics{
		Accuracy: float64(hits) / float64(samples),
		PerClass: make(map[string]float64, len(total)),
		Samples:  samples,
	}
	for name, n := range total {
		metrics.PerClass[name] = float64(correct[name]) / float64(n)
	}
	return metrics, nil
}
