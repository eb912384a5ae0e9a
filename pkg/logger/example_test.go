package logger_test

import (
	"log/slog"

	"github.com/soundprediction/medclip/pkg/logger"
)

func ExampleNewDefaultLogger() {
	// Create a logger with default settings
	log := logger.NewDefaultLogger(slog.LevelDebug)

	log.Debug("loading projection table")
	log.Info("starting pretraining run")
	log.Warn("checkpoint directory already exists")
	log.Error("vision backbone unavailable")
}

func ExampleNew() {
	log := logger.New(slog.LevelInfo, "json")

	// Log with attributes
	log.Info("collated batch", "images", 96, "texts", 96)
	log.Warn("text provider slow", "latency_ms", 950)
}
