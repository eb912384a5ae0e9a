// Package checkpoint persists and restores model weights and training state.
//
// A checkpoint directory holds two files: the weights file (a flat state
// dict of named tensors) and a JSON training-state file. Restores are
// deliberately lenient: missing or unexpected keys are logged as warnings,
// never raised as errors, so a vision-only model can be seeded from a dual
// encoder checkpoint and vice versa.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// WeightsName is the fixed weights file name inside a checkpoint
	// directory.
	WeightsName = "model_weights.json"

	// TrainStateName is the training-state file name.
	TrainStateName = "train_state.json"

	// VisionPrefix is the key prefix of vision-encoder parameters inside a
	// dual-encoder state dict.
	VisionPrefix = "vision_model."
)

var ErrNoCheckpoint = errors.New("checkpoint: weights file not found")

// Tensor is a named parameter value with its shape. Data is row-major.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// StateDict maps parameter names to tensors.
type StateDict map[string]Tensor

// Module is anything whose parameters can be exported to and restored from a
// state dict. LoadStateDict must be lenient and report, not fail on,
// mismatched keys.
type Module interface {
	StateDict() StateDict
	LoadStateDict(StateDict) (missing, unexpected []string)
}

// TrainState records where a training run stopped.
type TrainState struct {
	RunID         string         `json:"run_id"`
	Step          int            `json:"step"`
	Epoch         int            `json:"epoch"`
	BestMetric    float64        `json:"best_metric"`
	Config        map[string]any `json:"config,omitempty"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}

// Save writes the module's state dict and training state into dir, creating
// it if needed. Both files are written atomically (tmp + rename).
func Save(dir string, m Module, state *TrainState) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, WeightsName), m.StateDict()); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}

	if state != nil {
		state.LastUpdatedAt = time.Now()
		if err := writeJSON(filepath.Join(dir, TrainStateName), state); err != nil {
			return fmt.Errorf("failed to write train state: %w", err)
		}
	}
	return nil
}

// LoadWeights reads the raw state dict from dir.
func LoadWeights(dir string) (StateDict, error) {
	data, err := os.ReadFile(filepath.Join(dir, WeightsName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, dir)
		}
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}

	var sd StateDict
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return sd, nil
}

// LoadTrainState reads the training state from dir. Returns nil without
// error when no state file exists.
func LoadTrainState(dir string) (*TrainState, error) {
	data, err := os.ReadFile(filepath.Join(dir, TrainStateName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read train state: %w", err)
	}

	var state TrainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal train state: %w", err)
	}
	return &state, nil
}

// LoadInto restores a full checkpoint into m and logs any key mismatches.
func LoadInto(dir string, m Module) error {
	sd, err := LoadWeights(dir)
	if err != nil {
		return err
	}
	applyLenient(m, sd, dir)
	return nil
}

// LoadVisionFromDual restores only the vision-encoder parameters of a
// dual-encoder checkpoint into a vision-only module by stripping the
// "vision_model." key prefix and dropping everything else.
func LoadVisionFromDual(dir string, m Module) error {
	sd, err := LoadWeights(dir)
	if err != nil {
		return err
	}
	applyLenient(m, StripPrefix(sd, VisionPrefix), dir)
	return nil
}

// StripPrefix returns the subset of sd whose keys carry prefix, with the
// prefix removed.
func StripPrefix(sd StateDict, prefix string) StateDict {
	out := make(StateDict)
	for key, tensor := range sd {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = tensor
		}
	}
	return out
}

// applyLenient loads sd into m and warns about mismatched keys. Best-effort
// restore: mismatches are never fatal.
func applyLenient(m Module, sd StateDict, source string) {
	missing, unexpected := m.LoadStateDict(sd)
	sort.Strings(missing)
	sort.Strings(unexpected)
	if len(missing) > 0 {
		slog.Warn("checkpoint missing keys", "checkpoint", source, "keys", missing)
	}
	if len(unexpected) > 0 {
		slog.Warn("checkpoint unexpected keys", "checkpoint", source, "keys", unexpected)
	}
	slog.Info("loaded model weights", "checkpoint", source)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	// Write to a temporary file first, then rename for atomic write
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
