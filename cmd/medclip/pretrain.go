package medclip

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/medclip"
	"github.com/soundprediction/medclip/pkg/config"
)

var pretrainCmd = &cobra.Command{
	Use:   "pretrain",
	Short: "Run contrastive vision-text pretraining",
	Long: `Run contrastive pretraining on the IU-Xray corpus.

Pairs every frontal and lateral radiograph with its report text, trains the
projection heads with the symmetric contrastive objective, and periodically
evaluates with zero-shot prompt classification when a prompt file and
evaluation table are configured.

Configuration can be provided through config files, environment variables, or
command-line flags.`,
	RunE: runPretrain,
}

var resumeDir string

func init() {
	rootCmd.AddCommand(pretrainCmd)

	pretrainCmd.Flags().String("data-dir", "", "IU-Xray data directory")
	pretrainCmd.Flags().String("output-dir", "", "Checkpoint output directory")
	pretrainCmd.Flags().String("vision-model", "", "Path to the ONNX vision backbone")
	pretrainCmd.Flags().Int("batch-size", 0, "Training batch size")
	pretrainCmd.Flags().Int("epochs", 0, "Number of training epochs")
	pretrainCmd.Flags().Float64("lr", 0, "Peak learning rate")
	pretrainCmd.Flags().Int64("seed", 0, "Random seed")
	pretrainCmd.Flags().StringVar(&resumeDir, "resume", "", "Resume from a checkpoint directory")

	viper.BindPFlag("data.dir", pretrainCmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("train.output_dir", pretrainCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("vision.model_path", pretrainCmd.Flags().Lookup("vision-model"))
	viper.BindPFlag("train.batch_size", pretrainCmd.Flags().Lookup("batch-size"))
	viper.BindPFlag("train.num_epochs", pretrainCmd.Flags().Lookup("epochs"))
	viper.BindPFlag("train.lr", pretrainCmd.Flags().Lookup("lr"))
	viper.BindPFlag("train.seed", pretrainCmd.Flags().Lookup("seed"))
}

func runPretrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client, err := medclip.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if resumeDir != "" {
		if _, err := client.Resume(resumeDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return client.Pretrain(ctx)
}
