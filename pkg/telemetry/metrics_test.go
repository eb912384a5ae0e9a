package telemetry

import (
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsWriter(t *testing.T) {
	t.Run("flush writes a parquet file", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewMetricsWriter(dir)
		require.NoError(t, err)
		require.NotEmpty(t, w.RunID())

		require.NoError(t, w.Log(TrainRecord{Kind: KindTrain, Step: 1, Loss: 2.5, LearningRate: 1e-4}))
		require.NoError(t, w.Log(TrainRecord{Kind: KindEval, Step: 1, Accuracy: 0.5}))
		require.NoError(t, w.Flush())

		files, err := filepath.Glob(filepath.Join(dir, "metrics_*.parquet"))
		require.NoError(t, err)
		require.Len(t, files, 1)

		rows, err := parquet.ReadFile[TrainRecord](files[0])
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, KindTrain, rows[0].Kind)
		assert.Equal(t, w.RunID(), rows[0].RunID)
		assert.NotEmpty(t, rows[0].ID)
		assert.False(t, rows[0].Timestamp.IsZero())
		assert.Equal(t, 0.5, rows[1].Accuracy)
	})

	t.Run("empty flush writes nothing", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewMetricsWriter(dir)
		require.NoError(t, err)
		require.NoError(t, w.Flush())

		files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("auto-flushes at the batch size", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewMetricsWriter(dir)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			require.NoError(t, w.Log(TrainRecord{Kind: KindTrain, Step: int64(i)}))
		}

		files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
		require.NoError(t, err)
		assert.Len(t, files, 1)

		require.NoError(t, w.Close())
		files, err = filepath.Glob(filepath.Join(dir, "*.parquet"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})
}
