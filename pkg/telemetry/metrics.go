// Package telemetry persists training metrics, and warn-and-above log
// records via a chained slog handler, as Parquet files so runs can be
// compared offline without a metrics server.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// Record kinds.
const (
	KindTrain = "train"
	KindEval  = "eval"
)

// TrainRecord is one training or evaluation measurement.
type TrainRecord struct {
	ID           string    `parquet:"id"`
	RunID        string    `parquet:"run_id"`
	Kind         string    `parquet:"kind"`
	Step         int64     `parquet:"step"`
	Epoch        int64     `parquet:"epoch"`
	Loss         float64   `parquet:"loss"`
	LearningRate float64   `parquet:"learning_rate"`
	Accuracy     float64   `parquet:"accuracy"`
	Timestamp    time.Time `parquet:"timestamp"`
}

// MetricsWriter buffers metric records and writes them to Parquet files in
// batches. Safe for concurrent use.
type MetricsWriter struct {
	outputDir string
	runID     string

	mu        sync.Mutex
	buffer    []TrainRecord
	batchSize int
}

// NewMetricsWriter creates a writer rooted at outputDir with a fresh run id.
func NewMetricsWriter(outputDir string) (*MetricsWriter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	return &MetricsWriter{
		outputDir: outputDir,
		runID:     uuid.New().String(),
		batchSize: 100,
		buffer:    make([]TrainRecord, 0, 100),
	}, nil
}

// RunID returns the identifier shared by all records of this writer.
func (w *MetricsWriter) RunID() string { return w.runID }

// Log buffers a record, stamping run id, record id, and timestamp.
func (w *MetricsWriter) Log(rec TrainRecord) error {
	rec.ID = uuid.New().String()
	rec.RunID = w.runID
	rec.Timestamp = time.Now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, rec)
	if len(w.buffer) >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Flush writes any buffered records to a new Parquet file.
func (w *MetricsWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

// flush writes the buffer. Caller must hold the lock.
func (w *MetricsWriter) flush() error {
	if len(w.buffer) == 0 {
		return nil
	}

	filename := fmt.Sprintf("metrics_%s_%d.parquet", time.Now().Format("20060102_150405"), time.Now().UnixNano())
	path := filepath.Join(w.outputDir, filename)

	if err := parquet.WriteFile(path, w.buffer); err != nil {
		return fmt.Errorf("failed to write metrics parquet file: %w", err)
	}

	w.buffer = w.buffer[:0]
	return nil
}

// Close flushes any remaining records.
func (w *MetricsWriter) Close() error {
	return w.Flush()
}
