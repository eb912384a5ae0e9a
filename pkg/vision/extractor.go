package vision

import (
	"context"
	"fmt"

	"github.com/soundprediction/medclip/pkg/utils"
)

// PixelBatch is a batch of preprocessed images in NCHW layout. Data holds
// N*Channels*Height*Width contiguous float32 values.
type PixelBatch struct {
	Data     []float32
	N        int
	Channels int
	Height   int
	Width    int
}

// Row returns the tensor slice for image i.
func (b *PixelBatch) Row(i int) []float32 {
	size := b.Channels * b.Height * b.Width
	return b.Data[i*size : (i+1)*size]
}

// Append concatenates another batch. Shapes must match.
func (b *PixelBatch) Append(other *PixelBatch) error {
	if b.N == 0 {
		*b = *other
		return nil
	}
	if other.Channels != b.Channels || other.Height != b.Height || other.Width != b.Width {
		return fmt.Errorf("pixel batch shape mismatch: %dx%dx%d vs %dx%dx%d",
			other.Channels, other.Height, other.Width, b.Channels, b.Height, b.Width)
	}
	b.Data = append(b.Data, other.Data...)
	b.N += other.N
	return nil
}

// FeatureExtractor turns raw radiographs into model-ready pixel tensors.
// It mirrors the CLIP feature extractor configuration surface.
type FeatureExtractor struct {
	DoResize     bool
	Size         int
	DoCenterCrop bool
	CropSize     int
	DoNormalize  bool
	Mean         [3]float32
	Std          [3]float32
}

// NewFeatureExtractor returns an extractor configured for IU-Xray
// grayscale statistics at the standard 224x224 ViT input size.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{
		DoResize:     true,
		Size:         224,
		DoCenterCrop: true,
		CropSize:     224,
		DoNormalize:  true,
		Mean:         IUXRayMean,
		Std:          IUXRayStd,
	}
}

// Extract preprocesses a single image into a CHW float32 tensor.
func (f *FeatureExtractor) Extract(img *Image) ([]float32, error) {
	var err error
	if f.DoResize {
		img, err = img.Resize(f.Size, f.Size)
		if err != nil {
			return nil, fmt.Errorf("resize failed: %w", err)
		}
	}
	if f.DoCenterCrop {
		img, err = img.CenterCrop(f.CropSize, f.CropSize)
		if err != nil {
			return nil, fmt.Errorf("center crop failed: %w", err)
		}
	}

	mean, std := f.Mean, f.Std
	if !f.DoNormalize {
		mean = [3]float32{0, 0, 0}
		std = [3]float32{1, 1, 1}
	}
	return NormalizeNCHW(img, mean, std), nil
}

// ExtractBatch preprocesses a list of images into one PixelBatch.
func (f *FeatureExtractor) ExtractBatch(images []*Image) (*PixelBatch, error) {
	side := f.Size
	if f.DoCenterCrop {
		side = f.CropSize
	}
	batch := &PixelBatch{
		Channels: 3,
		Height:   side,
		Width:    side,
	}
	batch.Data = make([]float32, 0, len(images)*3*side*side)
	for i, img := range images {
		tensor, err := f.Extract(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		batch.Data = append(batch.Data, tensor...)
		batch.N++
	}
	return batch, nil
}

// ExtractFiles loads images from disk and preprocesses them into one batch.
// Decoding and preprocessing run on a worker pool; the batch preserves the
// input order.
func (f *FeatureExtractor) ExtractFiles(ctx context.Context, paths []string) (*PixelBatch, error) {
	pool := utils.NewWorkerPool(0, func(ctx context.Context, path string) ([]float32, error) {
		img, err := Load(path)
		if err != nil {
			return nil, err
		}
		return f.Extract(img)
	})
	tensors, errs := pool.ProcessItems(ctx, paths)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", paths[i], err)
		}
	}

	side := f.Size
	if f.DoCenterCrop {
		side = f.CropSize
	}
	batch := &PixelBatch{
		Channels: 3,
		Height:   side,
		Width:    side,
	}
	batch.Data = make([]float32, 0, len(paths)*3*side*side)
	for _, tensor := range tensors {
		batch.Data = append(batch.Data, tensor...)
		batch.N++
	}
	return batch, nil
}
