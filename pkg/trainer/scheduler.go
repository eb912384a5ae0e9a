package trainer

// WarmupLinear returns the learning-rate multiplier for a warmup-then-decay
// schedule: linear ramp from 0 to 1 over the first warmupRatio of training,
// then linear decay back to 0 at the final step.
func WarmupLinear(step, totalSteps int, warmupRatio float64) float64 {
	if totalSteps <= 0 {
		return 0
	}
	warmup := int(float64(totalSteps) * warmupRatio)
	if step < warmup {
		return float64(step) / float64(warmup)
	}
	if totalSteps <= warmup {
		return 0
	}
	remaining := float64(totalSteps-step) / float64(totalSteps-warmup)
	if remaining < 0 {
		return 0
	}
	return remaining
}
