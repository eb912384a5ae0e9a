package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// denseFromRows converts [][]float32 backbone output into a dense matrix.
func denseFromRows(rows [][]float32) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no embeddings")
	}
	dim := len(rows[0])
	out := mat.NewDense(len(rows), dim, nil)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("ragged embedding batch: row %d has %d values, want %d", i, len(row), dim)
		}
		for j, v := range row {
			out.Set(i, j, float64(v))
		}
	}
	return out, nil
}

// normalizeRows divides every row by its L2 norm in place. Zero rows are
// left untouched.
func normalizeRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		norm := mat.Norm(m.RowView(i), 2)
		if norm == 0 {
			continue
		}
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)/norm)
		}
	}
}

// logSumExp computes log(sum(exp(xs))) with the max-shift trick.
func logSumExp(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// crossEntropyMean is the mean categorical cross-entropy of logit rows
// against integer targets: mean_i(logsumexp(row_i) - row_i[target_i]).
func crossEntropyMean(logits *mat.Dense, targets []int) (float64, error) {
	r, c := logits.Dims()
	if len(targets) != r {
		return 0, fmt.Errorf("cross entropy: %d logit rows but %d targets", r, len(targets))
	}

	var total float64
	for i := 0; i < r; i++ {
		t := targets[i]
		if t < 0 || t >= c {
			return 0, fmt.Errorf("cross entropy: target %d out of range [0,%d)", t, c)
		}
		row := mat.Row(nil, i, logits)
		total += logSumExp(row) - row[t]
	}
	return total / float64(r), nil
}

// bceWithLogitsMean is the mean element-wise binary cross-entropy on raw
// logits, using the numerically stable formulation
// max(x,0) - x*z + log(1 + exp(-|x|)).
func bceWithLogitsMean(logits, targets *mat.Dense) (float64, error) {
	lr, lc := logits.Dims()
	tr, tc := targets.Dims()
	if lr != tr || lc != tc {
		return 0, fmt.Errorf("bce: logits %dx%d and targets %dx%d differ", lr, lc, tr, tc)
	}

	var total float64
	for i := 0; i < lr; i++ {
		for j := 0; j < lc; j++ {
			x := logits.At(i, j)
			z := targets.At(i, j)
			total += math.Max(x, 0) - x*z + math.Log1p(math.Exp(-math.Abs(x)))
		}
	}
	return total / float64(lr*lc), nil
}

// arange returns [0, 1, ..., n-1].
func arange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
