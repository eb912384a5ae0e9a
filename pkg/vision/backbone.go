package vision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// DefaultEmbeddingDim is the pooled output width of the ViT backbones
	// this project targets.
	DefaultEmbeddingDim = 768

	// DefaultImageSize is the fallback input size when the model file does
	// not declare one.
	DefaultImageSize = 224

	// DefaultInputName and DefaultOutputName are the conventional tensor
	// names of exported vision-transformer checkpoints.
	DefaultInputName  = "pixel_values"
	DefaultOutputName = "pooler_output"
)

var (
	ErrModelNotFound = errors.New("vision: model file not found")
	ErrClosed        = errors.New("vision: backbone already closed")
	ErrEmptyBatch    = errors.New("vision: empty pixel batch")
)

// DevicePolicy selects where backbone inference runs. It is injected at
// construction; nothing in this package mutates ambient device state.
type DevicePolicy struct {
	UseGPU   bool
	DeviceID int
	Threads  int
}

var runtimeOnce struct {
	sync.Once
	err error
}

// initRuntime initializes the ONNX runtime environment exactly once.
func initRuntime() error {
	runtimeOnce.Do(func() {
		runtimeOnce.err = ort.InitializeEnvironment()
	})
	return runtimeOnce.err
}

// BackboneOptions configures an ONNX vision backbone.
type BackboneOptions struct {
	EmbeddingDim int
	ImageSize    int
	InputName    string
	OutputName   string
	Device       DevicePolicy
}

// DefaultBackboneOptions returns options for a standard 224px ViT export.
func DefaultBackboneOptions() BackboneOptions {
	return BackboneOptions{
		EmbeddingDim: DefaultEmbeddingDim,
		ImageSize:    DefaultImageSize,
		InputName:    DefaultInputName,
		OutputName:   DefaultOutputName,
	}
}

// Backbone runs a pretrained vision transformer exported to ONNX and returns
// its pooled (pre-projection) embeddings. All numerical execution happens in
// ONNX Runtime.
type Backbone struct {
	session *ort.DynamicAdvancedSession
	opts    BackboneOptions

	mu     sync.Mutex
	closed bool
}

// NewBackbone loads an ONNX vision model from modelPath.
func NewBackbone(modelPath string, opts BackboneOptions) (*Backbone, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	if opts.EmbeddingDim <= 0 {
		opts.EmbeddingDim = DefaultEmbeddingDim
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = DefaultImageSize
	}
	if opts.InputName == "" {
		opts.InputName = DefaultInputName
	}
	if opts.OutputName == "" {
		opts.OutputName = DefaultOutputName
	}

	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("onnx runtime init: %w", err)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer sessOpts.Destroy()

	if opts.Device.Threads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.Device.Threads); err != nil {
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}
	if opts.Device.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			_ = cudaOpts.Update(map[string]string{
				"device_id": fmt.Sprintf("%d", opts.Device.DeviceID),
			})
			_ = sessOpts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
		// CUDA unavailable falls back to CPU.
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		sessOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	// Prefer the input size declared in the model file.
	if inputs, _, err := ort.GetInputOutputInfo(modelPath); err == nil {
		for _, info := range inputs {
			if info.Name == opts.InputName && len(info.Dimensions) >= 4 {
				if h := info.Dimensions[2]; h > 0 && h <= 1024 {
					opts.ImageSize = int(h)
				}
				break
			}
		}
	}

	return &Backbone{session: session, opts: opts}, nil
}

// Dim returns the pooled embedding width.
func (b *Backbone) Dim() int { return b.opts.EmbeddingDim }

// ImageSize returns the expected square input size.
func (b *Backbone) ImageSize() int { return b.opts.ImageSize }

// PooledOutput runs the backbone on a pixel batch and returns one pooled
// embedding per image.
func (b *Backbone) PooledOutput(ctx context.Context, pixels *PixelBatch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if pixels == nil || pixels.N == 0 {
		return nil, ErrEmptyBatch
	}

	inputShape := ort.Shape{int64(pixels.N), int64(pixels.Channels), int64(pixels.Height), int64(pixels.Width)}
	inputTensor, err := ort.NewTensor(inputShape, pixels.Data)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	dim := b.opts.EmbeddingDim
	outputData := make([]float32, pixels.N*dim)
	outputTensor, err := ort.NewTensor(ort.Shape{int64(pixels.N), int64(dim)}, outputData)
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := b.session.Run(
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
	); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	flat := outputTensor.GetData()
	out := make([][]float32, pixels.N)
	for i := range out {
		row := make([]float32, dim)
		copy(row, flat[i*dim:(i+1)*dim])
		out[i] = row
	}
	return out, nil
}

// Close releases the underlying session. Safe to call twice.
func (b *Backbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	b.closed = true
	return nil
}
