package model

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/medclip/pkg/checkpoint"
)

// State dict keys follow the conventional dual-encoder layout so that
// checkpoints interoperate with the prefix-stripping vision-only load mode.
const (
	keyProjWeight = "projection_head.weight"
	keyProjBias   = "projection_head.bias"
	keyLogitScale = "logit_scale"

	textPrefix = "text_model."
)

func matToTensor(m *mat.Dense) checkpoint.Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, mat.Row(nil, i, m)...)
	}
	return checkpoint.Tensor{Shape: []int{r, c}, Data: data}
}

func vecToTensor(v *mat.VecDense) checkpoint.Tensor {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}
	return checkpoint.Tensor{Shape: []int{v.Len()}, Data: data}
}

// setMat copies tensor data into dst when shapes agree.
func setMat(dst *mat.Dense, t checkpoint.Tensor) bool {
	r, c := dst.Dims()
	if len(t.Shape) != 2 || t.Shape[0] != r || t.Shape[1] != c || len(t.Data) != r*c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, t.Data[i*c+j])
		}
	}
	return true
}

func setVec(dst *mat.VecDense, t checkpoint.Tensor) bool {
	if len(t.Shape) != 1 || t.Shape[0] != dst.Len() || len(t.Data) != dst.Len() {
		return false
	}
	for i := 0; i < dst.Len(); i++ {
		dst.SetVec(i, t.Data[i])
	}
	return true
}

// StateDict exports the vision projection head.
func (e *VisionEncoder) StateDict() checkpoint.StateDict {
	return checkpoint.StateDict{keyProjWeight: matToTensor(e.proj)}
}

// LoadStateDict restores the vision projection head, reporting mismatches.
func (e *VisionEncoder) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	loaded := false
	for key, tensor := range sd {
		if key == keyProjWeight && setMat(e.proj, tensor) {
			loaded = true
			continue
		}
		unexpected = append(unexpected, key)
	}
	if !loaded {
		missing = append(missing, keyProjWeight)
	}
	return missing, unexpected
}

// StateDict exports the text projection head.
func (e *TextEncoder) StateDict() checkpoint.StateDict {
	return checkpoint.StateDict{
		keyProjWeight: matToTensor(e.proj),
		keyProjBias:   vecToTensor(e.bias),
	}
}

// LoadStateDict restores the text projection head, reporting mismatches.
func (e *TextEncoder) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	var gotWeight, gotBias bool
	for key, tensor := range sd {
		switch {
		case key == keyProjWeight && setMat(e.proj, tensor):
			gotWeight = true
		case key == keyProjBias && setVec(e.bias, tensor):
			gotBias = true
		default:
			unexpected = append(unexpected, key)
		}
	}
	if !gotWeight {
		missing = append(missing, keyProjWeight)
	}
	if !gotBias {
		missing = append(missing, keyProjBias)
	}
	return missing, unexpected
}

// StateDict exports the full dual-encoder parameter set under the
// conventional "vision_model." / "text_model." prefixes.
func (m *DualEncoder) StateDict() checkpoint.StateDict {
	out := make(checkpoint.StateDict)
	for key, tensor := range m.Vision.StateDict() {
		out[checkpoint.VisionPrefix+key] = tensor
	}
	for key, tensor := range m.Text.StateDict() {
		out[textPrefix+key] = tensor
	}
	out[keyLogitScale] = checkpoint.Tensor{Shape: []int{}, Data: []float64{m.logScale}}
	return out
}

// LoadStateDict routes prefixed keys to the submodules and restores the
// logit scale. Mismatched keys are reported, never fatal.
func (m *DualEncoder) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	visionSD := make(checkpoint.StateDict)
	textSD := make(checkpoint.StateDict)
	gotScale := false

	for key, tensor := range sd {
		switch {
		case strings.HasPrefix(key, checkpoint.VisionPrefix):
			visionSD[strings.TrimPrefix(key, checkpoint.VisionPrefix)] = tensor
		case strings.HasPrefix(key, textPrefix):
			textSD[strings.TrimPrefix(key, textPrefix)] = tensor
		case key == keyLogitScale && len(tensor.Data) == 1:
			m.logScale = tensor.Data[0]
			gotScale = true
		default:
			unexpected = append(unexpected, key)
		}
	}

	vMissing, vUnexpected := m.Vision.LoadStateDict(visionSD)
	for _, key := range vMissing {
		missing = append(missing, checkpoint.VisionPrefix+key)
	}
	for _, key := range vUnexpected {
		unexpected = append(unexpected, checkpoint.VisionPrefix+key)
	}

	tMissing, tUnexpected := m.Text.LoadStateDict(textSD)
	for _, key := range tMissing {
		missing = append(missing, textPrefix+key)
	}
	for _, key := range tUnexpected {
		unexpected = append(unexpected, textPrefix+key)
	}

	if !gotScale {
		missing = append(missing, keyLogitScale)
	}
	return missing, unexpected
}
