package medclip

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/medclip"
	"github.com/soundprediction/medclip/pkg/config"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run zero-shot prompt-classification evaluation",
	Long: `Evaluate a trained checkpoint with zero-shot prompt classification.

Scores every image in the evaluation table against the tokenized prompt sets
of each class and reports overall and per-class accuracy.`,
	RunE: runEvaluate,
}

var checkpointDir string

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "Checkpoint directory to evaluate")
	evaluateCmd.Flags().String("prompt-file", "", "YAML class prompt file")
	evaluateCmd.Flags().String("eval-csv", "", "CSV of image,label evaluation pairs")
	evaluateCmd.Flags().String("eval-image-dir", "", "Directory resolving relative image paths")
	evaluateCmd.Flags().String("vision-model", "", "Path to the ONNX vision backbone")

	viper.BindPFlag("data.prompt_file", evaluateCmd.Flags().Lookup("prompt-file"))
	viper.BindPFlag("data.zero_shot_csv", evaluateCmd.Flags().Lookup("eval-csv"))
	viper.BindPFlag("data.zero_shot_image_dir", evaluateCmd.Flags().Lookup("eval-image-dir"))
	viper.BindPFlag("vision.model_path", evaluateCmd.Flags().Lookup("vision-model"))
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client, err := medclip.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if checkpointDir != "" {
		if _, err := client.Resume(checkpointDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := client.Evaluate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("accuracy: %.4f over %d samples\n", metrics.Accuracy, metrics.Samples)
	names := make([]string, 0, len(metrics.PerClass))
	for name := range metrics.PerClass {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-24s %.4f\n", name, metrics.PerClass[name])
	}
	return nil
}
