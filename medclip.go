package medclip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/soundprediction/medclip/pkg/checkpoint"
	"github.com/soundprediction/medclip/pkg/config"
	"github.com/soundprediction/medclip/pkg/dataset"
	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/logger"
	"github.com/soundprediction/medclip/pkg/model"
	"github.com/soundprediction/medclip/pkg/telemetry"
	"github.com/soundprediction/medclip/pkg/trainer"
	"github.com/soundprediction/medclip/pkg/utils"
	"github.com/soundprediction/medclip/pkg/vision"
)

// Client assembles the pretraining pipeline from configuration: the vision
// and text backbones, the dual encoder, the IU-Xray data pipeline, and the
// trainer. It is the entry point the CLI uses.
type Client struct {
	config     *config.Config
	logger     *slog.Logger
	logHandler *telemetry.ParquetHandler
	rng        *rand.Rand
	visionB    *vision.Backbone
	textC      embedder.Client
	tokenizer  embedder.Tokenizer
	model      *model.DualEncoder
}

// NewClient constructs the full pipeline from cfg. The vision backbone is
// loaded eagerly so misconfiguration fails here rather than mid-run.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	log := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	var logHandler *telemetry.ParquetHandler
	if cfg.Telemetry.ParquetPath != "" {
		h, err := telemetry.NewParquetHandler(log.Handler(), cfg.Telemetry.ParquetPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry log handler: %w", err)
		}
		logHandler = h
		log = slog.New(h)
	}
	rng := rand.New(rand.NewSource(cfg.Train.Seed))

	opts := vision.BackboneOptions{
		EmbeddingDim: cfg.Vision.EmbeddingDim,
		ImageSize:    cfg.Vision.ImageSize,
		InputName:    cfg.Vision.InputName,
		OutputName:   cfg.Vision.OutputName,
		Device: vision.DevicePolicy{
			UseGPU:   cfg.Device.UseGPU,
			DeviceID: cfg.Device.DeviceID,
			Threads:  cfg.Device.Threads,
		},
	}
	visionB, err := vision.NewBackbone(cfg.Vision.ModelPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision backbone: %w", err)
	}

	textC, err := newTextClient(cfg)
	if err != nil {
		visionB.Close()
		return nil, err
	}

	dual, err := model.NewDualEncoder(visionB, model.NewEmbedderTextBackbone(textC), model.Options{
		Rand: rng,
	})
	if err != nil {
		visionB.Close()
		textC.Close()
		return nil, fmt.Errorf("failed to create dual encoder: %w", err)
	}

	log.Info("client ready",
		"vision_model", cfg.Vision.ModelPath,
		"text_provider", cfg.Text.Provider,
		"seed", cfg.Train.Seed)

	return &Client{
		config:     cfg,
		logger:     log,
		logHandler: logHandler,
		rng:        rng,
		visionB:    visionB,
		textC:      textC,
		tokenizer:  embedder.NewWordTokenizer(),
		model:      dual,
	}, nil
}

// newTextClient builds the configured text embedding provider, wrapped in a
// circuit breaker when enabled.
func newTextClient(cfg *config.Config) (embedder.Client, error) {
	ec := embedder.Config{
		Model:      cfg.Text.Model,
		BaseURL:    cfg.Text.BaseURL,
		Dimensions: cfg.Text.Dimensions,
	}

	var client embedder.Client
	var err error
	switch cfg.Text.Provider {
	case "", "embedeverything":
		client, err = embedder.NewEmbedEverythingClient(ec)
	case "openai":
		if cfg.Text.APIKey == "" {
			return nil, fmt.Errorf("openai text provider requires an API key")
		}
		client = embedder.NewOpenAIEmbedder(cfg.Text.APIKey, ec)
	default:
		return nil, fmt.Errorf("unknown text provider: %s", cfg.Text.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create text client: %w", err)
	}

	if cfg.CircuitBreaker.Enabled {
		client = embedder.NewCircuitBreakerClient(client, embedder.BreakerConfig{
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         time.Duration(cfg.CircuitBreaker.Interval) * time.Second,
			Timeout:          time.Duration(cfg.CircuitBreaker.Timeout) * time.Second,
			ReadyToTripRatio: cfg.CircuitBreaker.ReadyToTripRatio,
		}, "text-embedder")
	}
	return client, nil
}

// Model exposes the dual encoder, e.g. for checkpoint loading.
func (c *Client) Model() *model.DualEncoder { return c.model }

// EmbedTexts embeds texts with the configured provider and normalizes each
// vector to unit length, so dot products between them are cosine
// similarities.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	embeds, err := c.textC.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed texts: %w", err)
	}
	out := make([][]float32, len(embeds))
	for i, e := range embeds {
		if out[i] = utils.Normalize(e); out[i] == nil {
			return nil, fmt.Errorf("embedding %d has zero magnitude", i)
		}
	}
	return out, nil
}

// TextSimilarity scores two texts by the cosine similarity of their
// embeddings under the text backbone.
func (c *Client) TextSimilarity(ctx context.Context, a, b string) (float64, error) {
	embeds, err := c.textC.Embed(ctx, []string{a, b})
	if err != nil {
		return 0, fmt.Errorf("failed to embed texts: %w", err)
	}
	if len(embeds) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(embeds))
	}
	return utils.CosineSimilarity(embeds[0], embeds[1]), nil
}

// Pretrain runs contrastive pretraining over the configured IU-Xray corpus,
// with periodic zero-shot evaluation when prompt and evaluation files are
// configured.
func (c *Client) Pretrain(ctx context.Context) error {
	cfg := c.config

	ds, err := dataset.LoadIUXRay(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}
	c.logger.Info("loaded training data", "patients", ds.Len(), "dir", cfg.Data.Dir)

	collator, err := dataset.NewImageTextCollator(c.extractor(), c.tokenizer, true, c.rng)
	if err != nil {
		return err
	}
	loader, err := dataset.NewDataLoader(ds, collator, cfg.Train.BatchSize, true, c.rng)
	if err != nil {
		return err
	}

	evaluator, err := c.newEvaluator()
	if err != nil {
		return err
	}

	var metrics *telemetry.MetricsWriter
	if cfg.Telemetry.ParquetPath != "" {
		metrics, err = telemetry.NewMetricsWriter(cfg.Telemetry.ParquetPath)
		if err != nil {
			return fmt.Errorf("failed to create metrics writer: %w", err)
		}
		defer metrics.Close()
	}

	t := &trainer.Trainer{
		Options: trainer.Options{
			Epochs:       cfg.Train.NumEpochs,
			WarmupRatio:  cfg.Train.Warmup,
			LearningRate: cfg.Train.LR,
			WeightDecay:  cfg.Train.WeightDecay,
			EvalSteps:    cfg.Train.EvalSteps,
			SaveSteps:    cfg.Train.SaveSteps,
			OutputDir:    cfg.Train.OutputDir,
		},
		Evaluator: evaluator,
		Metrics:   metrics,
		Logger:    c.logger,
	}

	objectives := []trainer.Objective{{
		Loader: loader,
		Loss:   &trainer.ContrastiveLoss{Model: c.model},
		Weight: 1,
	}}
	return t.Train(ctx, c.model, objectives)
}

// Evaluate runs a single zero-shot evaluation pass and returns its metrics.
func (c *Client) Evaluate(ctx context.Context) (*trainer.Metrics, error) {
	evaluator, err := c.newEvaluator()
	if err != nil {
		return nil, err
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluation requires data.prompt_file and data.zero_shot_csv")
	}
	return evaluator.Evaluate(ctx)
}

// Resume restores model weights and training state from dir.
func (c *Client) Resume(dir string) (*checkpoint.TrainState, error) {
	if err := checkpoint.LoadInto(dir, c.model); err != nil {
		return nil, err
	}
	return checkpoint.LoadTrainState(dir)
}

// newEvaluator assembles the zero-shot evaluator, or nil when the prompt or
// evaluation tables are not configured.
func (c *Client) newEvaluator() (*trainer.Evaluator, error) {
	cfg := c.config
	if cfg.Data.PromptFile == "" || cfg.Data.ZeroShotCSV == "" {
		return nil, nil
	}

	prompts, err := dataset.LoadPromptSet(cfg.Data.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	tokens, err := prompts.Tokenize(c.tokenizer, dataset.DefaultMaxTextLength)
	if err != nil {
		return nil, err
	}

	ds, err := dataset.LoadZeroShotCSV(cfg.Data.ZeroShotCSV, cfg.Data.ZeroShotImageDir, prompts.ClassNames())
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation data: %w", err)
	}
	loader, err := dataset.NewZeroShotLoader(ds, &dataset.ZeroShotCollator{Extractor: c.extractor()}, cfg.Train.EvalBatchSize)
	if err != nil {
		return nil, err
	}

	return &trainer.Evaluator{
		Scorer:  model.NewPromptClassifier(c.model, cfg.Train.Ensemble),
		Loader:  loader,
		Prompts: tokens,
	}, nil
}

func (c *Client) extractor() *vision.FeatureExtractor {
	ex := vision.NewFeatureExtractor()
	if size := c.visionB.ImageSize(); size > 0 {
		ex.Size = size
		ex.CropSize = size
	}
	return ex
}

// Close releases the vision session and the text provider, and flushes any
// buffered telemetry log records.
func (c *Client) Close() error {
	var firstErr error
	if err := c.visionB.Close(); err != nil {
		firstErr = err
	}
	if err := c.textC.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.logHandler != nil {
		if err := c.logHandler.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
