package trainer

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/soundprediction/medclip/pkg/checkpoint"
	"github.com/soundprediction/medclip/pkg/dataset"
	"github.com/soundprediction/medclip/pkg/embedder"
	"github.com/soundprediction/medclip/pkg/model"
	"github.com/soundprediction/medclip/pkg/telemetry"
	"github.com/soundprediction/medclip/pkg/vision"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(16 * x)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func smallExtractor() *vision.FeatureExtractor {
	ex := vision.NewFeatureExtractor()
	ex.Size = 8
	ex.CropSize = 8
	return ex
}

// trainLoader builds a loader over n single-image patients.
func trainLoader(t *testing.T, n, batchSize int) *dataset.DataLoader {
	t.Helper()
	dir := t.TempDir()
	ds := &dataset.Dataset{ImageDir: dir}
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, path)
		ds.Records = append(ds.Records, dataset.PatientRecord{
			UID:     string(rune('a' + i)),
			Frontal: []string{path},
			Report:  "report " + string(rune('a'+i)),
		})
	}
	collator, err := dataset.NewImageTextCollator(smallExtractor(), embedder.NewWordTokenizer(), false, nil)
	require.NoError(t, err)
	loader, err := dataset.NewDataLoader(ds, collator, batchSize, false, nil)
	require.NoError(t, err)
	return loader
}

// fakeLoss records the batches it sees.
type fakeLoss struct {
	loss  float64
	calls int
}

func (f *fakeLoss) TrainStep(ctx context.Context, batch *dataset.Batch) (float64, error) {
	f.calls++
	return f.loss, nil
}

// fakeOptimizer records the schedule it was driven with.
type fakeOptimizer struct {
	lrs    []float64
	decays []float64
}

func (f *fakeOptimizer) Step(ctx context.Context, lr, weightDecay float64) error {
	f.lrs = append(f.lrs, lr)
	f.decays = append(f.decays, weightDecay)
	return nil
}

// fakeModule is a minimal checkpointable module.
type fakeModule struct {
	saved int
}

func (m *fakeModule) StateDict() checkpoint.StateDict {
	m.saved++
	return checkpoint.StateDict{"w": {Shape: []int{1}, Data: []float64{1}}}
}

func (m *fakeModule) LoadStateDict(sd checkpoint.StateDict) (missing, unexpected []string) {
	return nil, nil
}

// constantScorer always scores class 0 highest.
type constantScorer struct{}

func (constantScorer) Forward(ctx context.Context, pixels *vision.PixelBatch, prompts map[string]*embedder.TokenBatch) (*model.PromptOutput, error) {
	logits := mat.NewDense(pixels.N, 2, nil)
	for i := 0; i < pixels.N; i++ {
		logits.Set(i, 0, 1)
	}
	return &model.PromptOutput{Logits: logits, ClassNames: []string{"edema", "normal"}}, nil
}

func evalFixture(t *testing.T, labels []int) *Evaluator {
	t.Helper()
	dir := t.TempDir()
	ds := &dataset.ZeroShotDataset{ClassNames: []string{"edema", "normal"}}
	for i, label := range labels {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, path)
		ds.Samples = append(ds.Samples, dataset.ZeroShotSample{ImagePath: path, Label: label})
	}
	loader, err := dataset.NewZeroShotLoader(ds, &dataset.ZeroShotCollator{Extractor: smallExtractor()}, 2)
	require.NoError(t, err)

	return &Evaluator{
		Scorer:  constantScorer{},
		Loader:  loader,
		Prompts: map[string]*embedder.TokenBatch{"edema": {Texts: []string{"p"}}, "normal": {Texts: []string{"q"}}},
	}
}

func TestEvaluator(t *testing.T) {
	t.Run("reports overall and per-class accuracy", func(t *testing.T) {
		e := evalFixture(t, []int{0, 1, 0})

		metrics, err := e.Evaluate(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 3, metrics.Samples)
		assert.InDelta(t, 2.0/3.0, metrics.Accuracy, 1e-12)
		assert.InDelta(t, 1.0, metrics.PerClass["edema"], 1e-12)
		assert.InDelta(t, 0.0, metrics.PerClass["normal"], 1e-12)
	})

	t.Run("empty dataset is an error", func(t *testing.T) {
		e := evalFixture(t, nil)
		_, err := e.Evaluate(context.Background())
		assert.Error(t, err)
	})
}

func TestTrain(t *testing.T) {
	t.Run("runs the scheduled number of steps", func(t *testing.T) {
		loader := trainLoader(t, 4, 2)
		loss := &fakeLoss{loss: 1.5}
		opt := &fakeOptimizer{}
		outDir := filepath.Join(t.TempDir(), "ckpt")

		tr := &Trainer{
			Options: Options{
				Epochs:       2,
				WarmupRatio:  0.25,
				LearningRate: 1e-3,
				WeightDecay:  0.01,
				SaveSteps:    2,
				OutputDir:    outDir,
			},
			Optimizer: opt,
		}

		mod := &fakeModule{}
		err := tr.Train(context.Background(), mod, []Objective{{Loader: loader, Loss: loss}})
		require.NoError(t, err)

		// 4 patients / batch 2 = 2 steps per epoch, 2 epochs.
		assert.Equal(t, 4, loss.calls)
		require.Len(t, opt.lrs, 4)
		// Warmup covers the first step, then linear decay.
		assert.Equal(t, 0.0, opt.lrs[0])
		assert.Greater(t, opt.lrs[1], opt.lrs[2])
		assert.Greater(t, opt.lrs[2], opt.lrs[3])
		// Weight decay is constant across the schedule.
		for _, wd := range opt.decays {
			assert.Equal(t, 0.01, wd)
		}

		// Periodic saves plus the final save.
		assert.GreaterOrEqual(t, mod.saved, 2)
		_, err = os.Stat(filepath.Join(outDir, checkpoint.WeightsName))
		assert.NoError(t, err)

		state, err := checkpoint.LoadTrainState(outDir)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, 4, state.Step)
		assert.Equal(t, 1, state.Epoch)
	})

	t.Run("evaluates at the configured interval", func(t *testing.T) {
		loader := trainLoader(t, 2, 1)
		outDir := filepath.Join(t.TempDir(), "ckpt")

		tr := &Trainer{
			Options: Options{
				Epochs:       1,
				LearningRate: 1e-3,
				EvalSteps:    1,
				OutputDir:    outDir,
			},
			Evaluator: evalFixture(t, []int{0, 0}),
		}

		err := tr.Train(context.Background(), &fakeModule{}, []Objective{{Loader: loader, Loss: &fakeLoss{loss: 1}}})
		require.NoError(t, err)

		state, err := checkpoint.LoadTrainState(outDir)
		require.NoError(t, err)
		require.NotNil(t, state)
		// The constant scorer matches every label-0 sample.
		assert.InDelta(t, 1.0, state.BestMetric, 1e-12)
	})

	t.Run("writes train metrics", func(t *testing.T) {
		loader := trainLoader(t, 2, 1)
		metricsDir := t.TempDir()
		metrics, err := telemetry.NewMetricsWriter(metricsDir)
		require.NoError(t, err)

		tr := &Trainer{
			Options: Options{
				Epochs:       1,
				LearningRate: 1e-3,
				OutputDir:    filepath.Join(t.TempDir(), "ckpt"),
			},
			Metrics: metrics,
		}

		err = tr.Train(context.Background(), &fakeModule{}, []Objective{{Loader: loader, Loss: &fakeLoss{loss: 1}}})
		require.NoError(t, err)

		files, err := filepath.Glob(filepath.Join(metricsDir, "*.parquet"))
		require.NoError(t, err)
		assert.NotEmpty(t, files)
	})

	t.Run("rejects empty objectives", func(t *testing.T) {
		tr := &Trainer{Options: Options{Epochs: 1}}
		assert.Error(t, tr.Train(context.Background(), &fakeModule{}, nil))
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		loader := trainLoader(t, 2, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		tr := &Trainer{Options: Options{Epochs: 1, LearningRate: 1e-3}}
		err := tr.Train(ctx, &fakeModule{}, []Objective{{Loader: loader, Loss: &fakeLoss{loss: 1}}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
