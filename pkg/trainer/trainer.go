// Package trainer drives contrastive pretraining: an epoch loop over
// weighted training objectives with warmup-then-decay learning-rate
// scheduling, periodic zero-shot evaluation, and periodic checkpoint saves.
//
// Gradient computation and parameter updates are delegated to an external
// optimization engine through the Optimizer interface; the loop here only
// schedules, measures, and persists.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/soundprediction/medclip/pkg/checkpoint"
	"github.com/soundprediction/medclip/pkg/dataset"
	"github.com/soundprediction/medclip/pkg/model"
	"github.com/soundprediction/medclip/pkg/telemetry"
)

// LossModule computes the scalar training loss for one batch. The external
// optimization engine observes the forward pass it performs.
type LossModule interface {
	TrainStep(ctx context.Context, batch *dataset.Batch) (float64, error)
}

// ContrastiveLoss is the image-text contrastive objective over a dual
// encoder.
type ContrastiveLoss struct {
	Model *model.DualEncoder
}

// TrainStep runs the dual-encoder forward pass with loss on a batch.
func (l *ContrastiveLoss) TrainStep(ctx context.Context, batch *dataset.Batch) (float64, error) {
	out, err := l.Model.Forward(ctx, model.ForwardInput{
		Pixels:      batch.Pixels,
		Tokens:      batch.Tokens,
		ComputeLoss: true,
	})
	if err != nil {
		return 0, err
	}
	return out.Loss, nil
}

// Objective pairs a data loader with a loss module and its weight in the
// combined training loss.
type Objective struct {
	Loader *dataset.DataLoader
	Loss   LossModule
	Weight float64
}

// Optimizer applies one parameter update at the given learning rate and
// weight decay. Implementations live outside this repository; a nil
// optimizer makes the trainer a forward-only loss monitor.
type Optimizer interface {
	Step(ctx context.Context, lr, weightDecay float64) error
}

// Options is the flat training configuration surface.
type Options struct {
	Epochs       int
	WarmupRatio  float64
	LearningRate float64
	WeightDecay  float64
	EvalSteps    int
	SaveSteps    int
	OutputDir    string
}

// Trainer owns one training run.
type Trainer struct {
	Options   Options
	Optimizer Optimizer
	Evaluator *Evaluator
	Metrics   *telemetry.MetricsWriter
	Logger    *slog.Logger
}

// Train runs the epoch loop over the objectives, evaluating and saving mod
// at the configured step intervals.
func (t *Trainer) Train(ctx context.Context, mod checkpoint.Module, objectives []Objective) error {
	if len(objectives) == 0 {
		return fmt.Errorf("no training objectives")
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stepsPerEpoch := 0
	for _, obj := range objectives {
		if obj.Loader == nil || obj.Loss == nil {
			return fmt.Errorf("objective missing loader or loss")
		}
		if s := obj.Loader.Steps(); s > stepsPerEpoch {
			stepsPerEpoch = s
		}
	}
	if stepsPerEpoch == 0 {
		return fmt.Errorf("training dataset is empty")
	}

	totalSteps := t.Options.Epochs * stepsPerEpoch
	state := &checkpoint.TrainState{}
	if t.Metrics != nil {
		state.RunID = t.Metrics.RunID()
	}

	logger.Info("starting training",
		"epochs", t.Options.Epochs,
		"steps_per_epoch", stepsPerEpoch,
		"objectives", len(objectives))

	globalStep := 0
	for epoch := 0; epoch < t.Options.Epochs; epoch++ {
		for _, obj := range objectives {
			obj.Loader.Reset()
		}

		for step := 0; step < stepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			lr := t.Options.LearningRate * WarmupLinear(globalStep, totalSteps, t.Options.WarmupRatio)

			var totalLoss float64
			skipped := true
			for _, obj := range objectives {
				batch, err := t.nextBatch(ctx, obj.Loader)
				if err != nil {
					return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
				}
				if batch.Size() == 0 {
					// Patients without images yield empty batches.
					continue
				}
				loss, err := obj.Loss.TrainStep(ctx, batch)
				if err != nil {
					return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
				}
				weight := obj.Weight
				if weight == 0 {
					weight = 1
				}
				totalLoss += weight * loss
				skipped = false
			}
			globalStep++
			state.Step, state.Epoch = globalStep, epoch
			if skipped {
				continue
			}

			if t.Optimizer != nil {
				if err := t.Optimizer.Step(ctx, lr, t.Options.WeightDecay); err != nil {
					return fmt.Errorf("optimizer step %d: %w", globalStep, err)
				}
			}

			if t.Metrics != nil {
				if err := t.Metrics.Log(telemetry.TrainRecord{
					Kind:         telemetry.KindTrain,
					Step:         int64(globalStep),
					Epoch:        int64(epoch),
					Loss:         totalLoss,
					LearningRate: lr,
				}); err != nil {
					logger.Warn("failed to log train metrics", "error", err)
				}
			}

			if t.Options.EvalSteps > 0 && t.Evaluator != nil && globalStep%t.Options.EvalSteps == 0 {
				if err := t.evaluate(ctx, state, globalStep, epoch, lr, logger); err != nil {
					return err
				}
			}
			if t.Options.SaveSteps > 0 && t.Options.OutputDir != "" && globalStep%t.Options.SaveSteps == 0 {
				if err := checkpoint.Save(t.Options.OutputDir, mod, state); err != nil {
					return fmt.Errorf("save checkpoint at step %d: %w", globalStep, err)
				}
				logger.Info("saved checkpoint", "dir", t.Options.OutputDir, "step", globalStep)
			}
		}
	}

	if t.Options.OutputDir != "" {
		if err := checkpoint.Save(t.Options.OutputDir, mod, state); err != nil {
			return fmt.Errorf("save final checkpoint: %w", err)
		}
	}
	if t.Metrics != nil {
		if err := t.Metrics.Flush(); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}
	logger.Info("training finished", "steps", globalStep)
	return nil
}

// nextBatch pulls the loader's next batch, restarting it when the epoch of a
// shorter objective ends early.
func (t *Trainer) nextBatch(ctx context.Context, loader *dataset.DataLoader) (*dataset.Batch, error) {
	batch, err := loader.Next(ctx)
	if errors.Is(err, io.EOF) {
		loader.Reset()
		batch, err = loader.Next(ctx)
	}
	return batch, err
}

func (t *Trainer) evaluate(ctx context.Context, state *checkpoint.TrainState, step, epoch int, lr float64, logger *slog.Logger) error {
	metrics, err := t.Evaluator.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluation at step %d: %w", step, err)
	}
	if metrics.Accuracy > state.BestMetric {
		state.BestMetric = metrics.Accuracy
	}
	logger.Info("zero-shot evaluation",
		"step", step,
		"accuracy", metrics.Accuracy,
		"samples", metrics.Samples)

	if t.Metrics != nil {
		if err := t.Metrics.Log(telemetry.TrainRecord{
			Kind:         telemetry.KindEval,
			Step:         int64(step),
			Epoch:        int64(epoch),
			LearningRate: lr,
			Accuracy:     metrics.Accuracy,
		}); err != nil {
			logger.Warn("failed to log eval metrics", "error", err)
		}
	}
	return nil
}
