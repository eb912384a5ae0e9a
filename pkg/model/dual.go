package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/vision"
)

const (
	// DefaultProjectionDim is the shared embedding space width.
	DefaultProjectionDim = 512

	// DefaultLogitScaleInit is the initial temperature (logit scale is
	// initialized to ln(1/temperature)).
	DefaultLogitScaleInit = 0.07

	// MaxLogScale caps the learnable log-temperature so the exponentiated
	// scale never exceeds 100x. Exact clamp bound: ln(100).
	MaxLogScale = 4.6052
)

// VisionEncoder wraps a pretrained vision backbone with a bias-free linear
// projection into the shared embedding space.
type VisionEncoder struct {
	backbone VisionBackbone
	proj     *mat.Dense // projDim x backboneDim
}

// NewVisionEncoder builds a vision encoder projecting into projDim. The
// projection is initialized from rng with the standard uniform fan-in bound.
func NewVisionEncoder(backbone VisionBackbone, projDim int, rng *rand.Rand) *VisionEncoder {
	return &VisionEncoder{
		backbone: backbone,
		proj:     initLinear(projDim, backbone.Dim(), rng),
	}
}

// Backbone exposes the wrapped backbone, used by the linear probe for
// pre-projection embeddings.
func (e *VisionEncoder) Backbone() VisionBackbone { return e.backbone }

// Forward encodes a pixel batch. With project=false the pooled backbone
// output is returned unprojected, which is what the linear probe trains on.
func (e *VisionEncoder) Forward(ctx context.Context, pixels *vision.PixelBatch, project bool) (*mat.Dense, error) {
	pooled, err := e.backbone.PooledOutput(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("vision backbone: %w", err)
	}
	embeds, err := denseFromRows(pooled)
	if err != nil {
		return nil, err
	}
	if !project {
		return embeds, nil
	}

	n, _ := embeds.Dims()
	projDim, _ := e.proj.Dims()
	out := mat.NewDense(n, projDim, nil)
	out.Mul(embeds, e.proj.T())
	return out, nil
}

// TextEncoder wraps a pretrained text backbone with a linear projection into
// the shared embedding space.
type TextEncoder struct {
	backbone TextBackbone
	proj     *mat.Dense    // projDim x backboneDim
	bias     *mat.VecDense // projDim
}

// NewTextEncoder builds a text encoder projecting into projDim.
func NewTextEncoder(backbone TextBackbone, projDim int, rng *rand.Rand) *TextEncoder {
	return &TextEncoder{
		backbone: backbone,
		proj:     initLinear(projDim, backbone.Dim(), rng),
		bias:     mat.NewVecDense(projDim, nil),
	}
}

// Forward encodes a token batch into projected (unnormalized) embeddings.
func (e *TextEncoder) Forward(ctx context.Context, tokens *embedder.TokenBatch) (*mat.Dense, error) {
	pooled, err := e.backbone.PooledOutput(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("text backbone: %w", err)
	}
	embeds, err := denseFromRows(pooled)
	if err != nil {
		return nil, err
	}

	n, _ := embeds.Dims()
	projDim, _ := e.proj.Dims()
	out := mat.NewDense(n, projDim, nil)
	out.Mul(embeds, e.proj.T())
	for i := 0; i < n; i++ {
		for j := 0; j < projDim; j++ {
			out.Set(i, j, out.At(i, j)+e.bias.AtVec(j))
		}
	}
	return out, nil
}

// Options configures a DualEncoder.
type Options struct {
	ProjectionDim  int
	LogitScaleInit float64
	// Rand seeds projection initialization. Required: RNG state is
	// explicit, never ambient.
	Rand *rand.Rand
}

// DualEncoder is the vision-text contrastive model: two projected encoders
// sharing an embedding space and a learnable temperature.
type DualEncoder struct {
	Vision *VisionEncoder
	Text   *TextEncoder

	logScale float64
}

// ForwardInput bundles one matched image-text batch.
type ForwardInput struct {
	Pixels      *vision.PixelBatch
	Tokens      *embedder.TokenBatch
	ComputeLoss bool
}

// ForwardOutput carries the embeddings, both logit orientations, and the
// contrastive loss when requested.
type ForwardOutput struct {
	ImageEmbeds    *mat.Dense
	TextEmbeds     *mat.Dense
	LogitsPerImage *mat.Dense
	LogitsPerText  *mat.Dense
	Loss           float64
	HasLoss        bool
}

// NewDualEncoder wires the two backbones into a dual encoder.
func NewDualEncoder(visionBackbone VisionBackbone, textBackbone TextBackbone, opts Options) (*DualEncoder, error) {
	if opts.Rand == nil {
		return nil, fmt.Errorf("dual encoder requires an explicit rand source")
	}
	if opts.ProjectionDim <= 0 {
		opts.ProjectionDim = DefaultProjectionDim
	}
	if opts.LogitScaleInit <= 0 {
		opts.LogitScaleInit = DefaultLogitScaleInit
	}

	return &DualEncoder{
		Vision:   NewVisionEncoder(visionBackbone, opts.ProjectionDim, opts.Rand),
		Text:     NewTextEncoder(textBackbone, opts.ProjectionDim, opts.Rand),
		logScale: math.Log(1 / opts.LogitScaleInit),
	}, nil
}

// EncodeImage returns unit-norm projected image embeddings.
func (m *DualEncoder) EncodeImage(ctx context.Context, pixels *vision.PixelBatch) (*mat.Dense, error) {
	embeds, err := m.Vision.Forward(ctx, pixels, true)
	if err != nil {
		return nil, err
	}
	normalizeRows(embeds)
	return embeds, nil
}

// EncodeText returns unit-norm projected text embeddings.
func (m *DualEncoder) EncodeText(ctx context.Context, tokens *embedder.TokenBatch) (*mat.Dense, error) {
	embeds, err := m.Text.Forward(ctx, tokens)
	if err != nil {
		return nil, err
	}
	normalizeRows(embeds)
	return embeds, nil
}

// ComputeLogits clamps the log-temperature into [0, MaxLogScale], scales the
// text-image dot products by its exponential, and returns both orientations:
// logitsPerImage (images x texts) and logitsPerText (texts x images).
// Embeddings must already be unit-norm for the scale to act as an inverse
// temperature.
func (m *DualEncoder) ComputeLogits(imgEmbeds, textEmbeds *mat.Dense) (logitsPerImage, logitsPerText *mat.Dense) {
	m.logScale = clamp(m.logScale, 0, MaxLogScale)
	scale := math.Exp(m.logScale)

	nText, _ := textEmbeds.Dims()
	nImg, _ := imgEmbeds.Dims()
	logitsPerText = mat.NewDense(nText, nImg, nil)
	logitsPerText.Mul(textEmbeds, imgEmbeds.T())
	logitsPerText.Scale(scale, logitsPerText)

	logitsPerImage = mat.NewDense(nImg, nText, nil)
	logitsPerImage.Copy(logitsPerText.T())
	return logitsPerImage, logitsPerText
}

// ClipLoss is the symmetric contrastive loss over a square similarity
// matrix: the mean of the two directional cross-entropies with the diagonal
// as the positive class.
func (m *DualEncoder) ClipLoss(similarity *mat.Dense) (float64, error) {
	r, c := similarity.Dims()
	if r != c {
		return 0, fmt.Errorf("clip loss requires a square similarity matrix, got %dx%d", r, c)
	}

	targets := arange(r)
	captionLoss, err := crossEntropyMean(similarity, targets)
	if err != nil {
		return 0, err
	}

	transposed := mat.NewDense(c, r, nil)
	transposed.Copy(similarity.T())
	imageLoss, err := crossEntropyMean(transposed, targets)
	if err != nil {
		return 0, err
	}
	return (captionLoss + imageLoss) / 2.0, nil
}

// Forward runs both encoders, computes the similarity logits, and optionally
// the contrastive loss. The loss assumes position i in the batch is the only
// positive pair for position i.
func (m *DualEncoder) Forward(ctx context.Context, in ForwardInput) (*ForwardOutput, error) {
	imgEmbeds, err := m.EncodeImage(ctx, in.Pixels)
	if err != nil {
		return nil, err
	}
	textEmbeds, err := m.EncodeText(ctx, in.Tokens)
	if err != nil {
		return nil, err
	}

	logitsPerImage, logitsPerText := m.ComputeLogits(imgEmbeds, textEmbeds)

	out := &ForwardOutput{
		ImageEmbeds:    imgEmbeds,
		TextEmbeds:     textEmbeds,
		LogitsPerImage: logitsPerImage,
		LogitsPerText:  logitsPerText,
	}
	if in.ComputeLoss {
		loss, err := m.ClipLoss(logitsPerText)
		if err != nil {
			return nil, err
		}
		out.Loss = loss
		out.HasLoss = true
	}
	return out, nil
}

// LogitScale returns the current (unclamped) log-temperature.
func (m *DualEncoder) LogitScale() float64 { return m.logScale }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// initLinear returns an out x in weight matrix initialized uniformly in
// [-1/sqrt(in), 1/sqrt(in)].
func initLinear(out, in int, rng *rand.Rand) *mat.Dense {
	bound := 1 / math.Sqrt(float64(in))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return mat.NewDense(out, in, data)
}
