package model

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/utils"
	"github.com/soundprediction/medclip/pkg/vision"
)

// PromptClassifier scores images against per-class text prompts with the
// dual encoder: zero-shot classification without any task-specific training.
type PromptClassifier struct {
	model *DualEncoder

	// ensemble averages the per-prompt logits; otherwise the single best
	// prompt (max) is used.
	ensemble bool
}

// NewPromptClassifier wraps the dual encoder for zero-shot scoring.
func NewPromptClassifier(model *DualEncoder, ensemble bool) *PromptClassifier {
	return &PromptClassifier{model: model, ensemble: ensemble}
}

// PromptOutput is a class-by-image score matrix with its class ordering.
type PromptOutput struct {
	// Logits is images x classes.
	Logits     *mat.Dense
	ClassNames []string
}

// Predictions returns the argmax class index per image.
func (o *PromptOutput) Predictions() []int {
	n, c := o.Logits.Dims()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if o.Logits.At(i, j) > o.Logits.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// TopK returns, per image, the indices of the k highest-scoring classes in
// descending score order.
func (o *PromptOutput) TopK(k int) [][]int {
	n, _ := o.Logits.Dims()
	out := make([][]int, n)
	for i := 0; i < n; i++ {
		out[i] = utils.TopKIndicesByScore(mat.Row(nil, i, o.Logits), k)
	}
	return out
}

// Forward scores a pixel batch against every class's tokenized prompt set.
// Class order in the output is the sorted key order, so results are
// deterministic across runs.
func (c *PromptClassifier) Forward(ctx context.Context, pixels *vision.PixelBatch, prompts map[string]*embedder.TokenBatch) (*PromptOutput, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no class prompts provided")
	}

	classNames := make([]string, 0, len(prompts))
	for name := range prompts {
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)

	var logits *mat.Dense
	for col, name := range classNames {
		out, err := c.model.Forward(ctx, ForwardInput{Pixels: pixels, Tokens: prompts[name]})
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", name, err)
		}

		n, numPrompts := out.LogitsPerImage.Dims()
		if logits == nil {
			logits = mat.NewDense(n, len(classNames), nil)
		}

		// Reduce the per-prompt logits to one similarity per image.
		for i := 0; i < n; i++ {
			row := mat.Row(nil, i, out.LogitsPerImage)
			var sim float64
			if c.ensemble {
				for _, v := range row {
					sim += v
				}
				sim /= float64(numPrompts)
			} else {
				sim = row[0]
				for _, v := range row[1:] {
					if v > sim {
						sim = v
					}
				}
			}
			logits.Set(i, col, sim)
		}
	}

	return &PromptOutput{Logits: logits, ClassNames: classNames}, nil
}
