// Package config loads the toolkit configuration from file and environment
// through viper.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Config holds all configuration for the toolkit.
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Data locations
	Data DataConfig `mapstructure:"data"`

	// Train configuration
	Train TrainConfig `mapstructure:"train"`

	// Vision backbone configuration
	Vision VisionConfig `mapstructure:"vision"`

	// Text backbone configuration
	Text TextConfig `mapstructure:"text"`

	// Device placement policy
	Device DeviceConfig `mapstructure:"device"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// CircuitBreaker configuration for remote text providers
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DataConfig locates the training and evaluation tables.
type DataConfig struct {
	// Dir is the IU-Xray root containing indiana_reports.csv,
	// indiana_projections.csv, and images/images_normalized.
	Dir string `mapstructure:"dir"`

	// PromptFile is the YAML class->prompts file for zero-shot scoring.
	PromptFile string `mapstructure:"prompt_file"`

	// ZeroShotCSV is the held-out image,label evaluation table.
	ZeroShotCSV string `mapstructure:"zero_shot_csv"`

	// ZeroShotImageDir resolves relative image paths in ZeroShotCSV.
	ZeroShotImageDir string `mapstructure:"zero_shot_image_dir"`
}

// TrainConfig is the flat training-option surface.
type TrainConfig struct {
	BatchSize     int     `mapstructure:"batch_size"`
	NumEpochs     int     `mapstructure:"num_epochs"`
	Warmup        float64 `mapstructure:"warmup"`
	LR            float64 `mapstructure:"lr"`
	WeightDecay   float64 `mapstructure:"weight_decay"`
	EvalBatchSize int     `mapstructure:"eval_batch_size"`
	EvalSteps     int     `mapstructure:"eval_steps"`
	SaveSteps     int     `mapstructure:"save_steps"`
	OutputDir     string  `mapstructure:"output_dir"`
	Seed          int64   `mapstructure:"seed"`
	Ensemble      bool    `mapstructure:"ensemble"`
}

// VisionConfig selects the pretrained vision backbone.
type VisionConfig struct {
	ModelPath    string `mapstructure:"model_path"`
	EmbeddingDim int    `mapstructure:"embedding_dim"`
	ImageSize    int    `mapstructure:"image_size"`
	InputName    string `mapstructure:"input_name"`
	OutputName   string `mapstructure:"output_name"`
}

// TextConfig selects the pretrained text backbone.
type TextConfig struct {
	Provider   string `mapstructure:"provider"` // embedeverything, openai
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

// DeviceConfig is the explicit device placement policy injected into
// backbone construction.
type DeviceConfig struct {
	UseGPU   bool `mapstructure:"use_gpu"`
	DeviceID int  `mapstructure:"device_id"`
	Threads  int  `mapstructure:"threads"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
}

// CircuitBreakerConfig holds configuration for circuit breaking.
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)
	return config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("train.batch_size", 100)
	viper.SetDefault("train.num_epochs", 10)
	viper.SetDefault("train.warmup", 0.1)
	viper.SetDefault("train.lr", 5e-5)
	viper.SetDefault("train.weight_decay", 1e-4)
	viper.SetDefault("train.eval_batch_size", 128)
	viper.SetDefault("train.eval_steps", 1000)
	viper.SetDefault("train.save_steps", 1000)
	viper.SetDefault("train.output_dir", "./checkpoints/vision_text_pretrain")
	viper.SetDefault("train.seed", 42)
	viper.SetDefault("train.ensemble", true)

	viper.SetDefault("vision.embedding_dim", 768)
	viper.SetDefault("vision.image_size", 224)

	viper.SetDefault("text.provider", "embedeverything")
	viper.SetDefault("text.model", "all-MiniLM-L6-v2")
	viper.SetDefault("text.dimensions", 768)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.medclip/telemetry", home))
	}
}

// overrideWithEnv overrides config with environment variables.
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Text.APIKey = apiKey
	}
	if dir := os.Getenv("MEDCLIP_DATA_DIR"); dir != "" {
		config.Data.Dir = dir
	}
	if dir := os.Getenv("MEDCLIP_OUTPUT_DIR"); dir != "" {
		config.Train.OutputDir = dir
	}
	if path := os.Getenv("MEDCLIP_VISION_MODEL"); path != "" {
		config.Vision.ModelPath = path
	}
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
	if seed := os.Getenv("MEDCLIP_SEED"); seed != "" {
		if v, err := strconv.ParseInt(seed, 10, 64); err == nil {
			config.Train.Seed = v
		}
	}
}
