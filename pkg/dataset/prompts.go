package dataset

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/soundprediction/medclip/pkg/embedder"
)

// PromptSet maps a class name to one or more natural-language prompts
// describing it. Multiple prompts per class enable prompt ensembling in the
// zero-shot classifier.
type PromptSet map[string][]string

// LoadPromptSet reads a YAML file of class -> prompt list.
func LoadPromptSet(path string) (PromptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var ps PromptSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file: %w", err)
	}
	for name, prompts := range ps {
		if len(prompts) == 0 {
			return nil, fmt.Errorf("class %q has no prompts", name)
		}
	}
	return ps, nil
}

// ClassNames returns the class names in sorted order.
func (ps PromptSet) ClassNames() []string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tokenize converts every class's prompts into a TokenBatch, ready for the
// prompt classifier.
func (ps PromptSet) Tokenize(tokenizer embedder.Tokenizer, maxLength int) (map[string]*embedder.TokenBatch, error) {
	out := make(map[string]*embedder.TokenBatch, len(ps))
	for name, prompts := range ps {
		batch, err := tokenizer.Tokenize(prompts, maxLength)
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", name, err)
		}
		out[name] = batch
	}
	return out, nil
}
