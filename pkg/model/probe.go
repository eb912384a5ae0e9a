package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/medclip/pkg/checkpoint"
	"github.com/soundprediction/medclip/pkg/vision"
)

// ProbeMode selects the supervised classification objective.
type ProbeMode string

const (
	ModeMulticlass ProbeMode = "multiclass"
	ModeMultilabel ProbeMode = "multilabel"
	ModeBinary     ProbeMode = "binary"
)

// ErrInvalidMode is returned when a probe is constructed with an unknown
// classification mode. This is a startup error, not a recoverable one.
var ErrInvalidMode = errors.New("model: invalid probe mode")

const (
	keyFCWeight = "fc.weight"
	keyFCBias   = "fc.bias"
)

// LinearProbe attaches a trainable linear head to the vision encoder's
// pre-projection embedding for supervised classification. The text side of
// the model is not involved.
type LinearProbe struct {
	encoder  *VisionEncoder
	fc       *mat.Dense // outDim x inputDim
	bias     *mat.VecDense
	mode     ProbeMode
	numClass int
}

// NewLinearProbe builds a probe with num_class outputs for multiclass and
// multilabel heads, or a single logit for binary heads (numClass <= 2).
func NewLinearProbe(encoder *VisionEncoder, numClass int, mode ProbeMode, rng *rand.Rand) (*LinearProbe, error) {
	normalized := ProbeMode(strings.ToLower(string(mode)))
	switch normalized {
	case ModeMulticlass, ModeMultilabel, ModeBinary:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	inputDim := encoder.Backbone().Dim()
	outDim := 1
	if numClass > 2 {
		outDim = numClass
	}

	return &LinearProbe{
		encoder:  encoder,
		fc:       initLinear(outDim, inputDim, rng),
		bias:     mat.NewVecDense(outDim, nil),
		mode:     normalized,
		numClass: numClass,
	}, nil
}

// Mode returns the normalized classification mode.
func (p *LinearProbe) Mode() ProbeMode { return p.mode }

// ProbeInput is one supervised batch. Labels is flat row-major data with
// LabelShape either [B] or [B, C]; it may be nil for inference.
type ProbeInput struct {
	Pixels      *vision.PixelBatch
	Labels      []float64
	LabelShape  []int
	ComputeLoss bool
}

// ProbeOutput carries the pre-projection embeddings, head logits, and loss.
type ProbeOutput struct {
	Embedding *mat.Dense
	Logits    *mat.Dense
	Loss      float64
	HasLoss   bool
}

// Forward embeds the images, applies the linear head, and (when labels are
// supplied with ComputeLoss) evaluates the mode's loss:
// cross-entropy for multiclass, element-wise BCE-with-logits otherwise.
func (p *LinearProbe) Forward(ctx context.Context, in ProbeInput) (*ProbeOutput, error) {
	embeds, err := p.encoder.Forward(ctx, in.Pixels, false)
	if err != nil {
		return nil, err
	}

	n, _ := embeds.Dims()
	outDim, _ := p.fc.Dims()
	logits := mat.NewDense(n, outDim, nil)
	logits.Mul(embeds, p.fc.T())
	for i := 0; i < n; i++ {
		for j := 0; j < outDim; j++ {
			logits.Set(i, j, logits.At(i, j)+p.bias.AtVec(j))
		}
	}

	out := &ProbeOutput{Embedding: embeds, Logits: logits}
	if in.Labels == nil || !in.ComputeLoss {
		return out, nil
	}

	if p.mode == ModeMulticlass && p.numClass > 2 {
		classes, err := flattenClassLabels(in.Labels)
		if err != nil {
			return nil, err
		}
		loss, err := crossEntropyMean(logits, classes)
		if err != nil {
			return nil, err
		}
		out.Loss, out.HasLoss = loss, true
		return out, nil
	}

	targets, err := shapeDenseLabels(in.Labels, in.LabelShape)
	if err != nil {
		return nil, err
	}
	loss, err := bceWithLogitsMean(logits, targets)
	if err != nil {
		return nil, err
	}
	out.Loss, out.HasLoss = loss, true
	return out, nil
}

// flattenClassLabels casts float labels to integer class indices.
func flattenClassLabels(labels []float64) ([]int, error) {
	out := make([]int, len(labels))
	for i, v := range labels {
		idx := int(math.Round(v))
		if math.Abs(v-float64(idx)) > 1e-9 || idx < 0 {
			return nil, fmt.Errorf("label %g is not a valid class index", v)
		}
		out[i] = idx
	}
	return out, nil
}

// shapeDenseLabels reshapes flat label data into a B x C target matrix.
// Rank-1 label vectors become a (B, 1) column, matching the single-logit
// binary head and per-class multilabel targets.
func shapeDenseLabels(labels []float64, shape []int) (*mat.Dense, error) {
	switch len(shape) {
	case 0, 1:
		return mat.NewDense(len(labels), 1, append([]float64(nil), labels...)), nil
	case 2:
		if shape[0]*shape[1] != len(labels) {
			return nil, fmt.Errorf("label shape %v does not match %d values", shape, len(labels))
		}
		return mat.NewDense(shape[0], shape[1], append([]float64(nil), labels...)), nil
	default:
		return nil, fmt.Errorf("unsupported label rank %d", len(shape))
	}
}

// StateDict exports the linear head.
func (p *LinearProbe) StateDict() checkpoint.StateDict {
	return checkpoint.StateDict{
		keyFCWeight: matToTensor(p.fc),
		keyFCBias:   vecToTensor(p.bias),
	}
}

// LoadStateDict restores the linear head, reporting mismatches.
func (p *LinearProbe) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	var gotWeight, gotBias bool
	for key, tensor := range sd {
		switch {
		case key == keyFCWeight && setMat(p.fc, tensor):
			gotWeight = true
		case key == keyFCBias && setVec(p.bias, tensor):
			gotBias = true
		default:
			unexpected = append(unexpected, key)
		}
	}
	if !gotWeight {
		missing = append(missing, keyFCWeight)
	}
	if !gotBias {
		missing = append(missing, keyFCBias)
	}
	return missing, unexpected
}
