package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/soundprediction/medclip/pkg/vision"
)

// ZeroShotSample is one held-out evaluation image with its class index.
type ZeroShotSample struct {
	ImagePath string
	Label     int
}

// ZeroShotDataset is a labeled image set for zero-shot evaluation.
type ZeroShotDataset struct {
	Samples    []ZeroShotSample
	ClassNames []string
}

// Len returns the number of samples.
func (d *ZeroShotDataset) Len() int { return len(d.Samples) }

// LoadZeroShotCSV reads an evaluation table with "image" and "label" columns.
// Labels may be class names (resolved against classNames) or integer
// indices. Image paths are resolved relative to imageDir.
func LoadZeroShotCSV(path, imageDir string, classNames []string) (*ZeroShotDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zero-shot table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	imageCol, labelCol := -1, -1
	for i, name := range header {
		switch name {
		case "image":
			imageCol = i
		case "label":
			labelCol = i
		}
	}
	if imageCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("zero-shot table needs image and label columns, got %v", header)
	}

	classIdx := make(map[string]int, len(classNames))
	for i, name := range classNames {
		classIdx[name] = i
	}

	ds := &ZeroShotDataset{ClassNames: classNames}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse zero-shot table: %w", err)
		}

		label, ok := classIdx[record[labelCol]]
		if !ok {
			label, err = strconv.Atoi(record[labelCol])
			if err != nil || label < 0 || label >= len(classNames) {
				return nil, fmt.Errorf("unknown label %q", record[labelCol])
			}
		}
		ds.Samples = append(ds.Samples, ZeroShotSample{
			ImagePath: filepath.Join(imageDir, record[imageCol]),
			Label:     label,
		})
	}
	return ds, nil
}

// EvalBatch is one collated zero-shot evaluation batch.
type EvalBatch struct {
	Pixels *vision.PixelBatch
	Labels []int
}

// ZeroShotCollator turns evaluation samples into pixel batches.
type ZeroShotCollator struct {
	Extractor *vision.FeatureExtractor
}

// Collate preprocesses the samples' images and collects their labels.
func (c *ZeroShotCollator) Collate(ctx context.Context, samples []ZeroShotSample) (*EvalBatch, error) {
	paths := make([]string, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		paths[i] = s.ImagePath
		labels[i] = s.Label
	}

	pixels, err := c.Extractor.ExtractFiles(ctx, paths)
	if err != nil {
		return nil, err
	}
	return &EvalBatch{Pixels: pixels, Labels: labels}, nil
}

// ZeroShotLoader yields evaluation batches in dataset order.
type ZeroShotLoader struct {
	dataset   *ZeroShotDataset
	collator  *ZeroShotCollator
	batchSize int
	pos       int
}

// NewZeroShotLoader builds an evaluation loader.
func NewZeroShotLoader(ds *ZeroShotDataset, collator *ZeroShotCollator, batchSize int) (*ZeroShotLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &ZeroShotLoader{dataset: ds, collator: collator, batchSize: batchSize}, nil
}

// Next returns the next batch, or io.EOF at the end.
func (l *ZeroShotLoader) Next(ctx context.Context) (*EvalBatch, error) {
	if l.pos >= l.dataset.Len() {
		return nil, io.EOF
	}
	end := min(l.pos+l.batchSize, l.dataset.Len())
	samples := l.dataset.Samples[l.pos:end]
	l.pos = end
	return l.collator.Collate(ctx, samples)
}

// Reset rewinds the loader.
func (l *ZeroShotLoader) Reset() { l.pos = 0 }
