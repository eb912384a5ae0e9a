// Package medclip is a Go toolkit for contrastive vision-text pretraining on
// paired medical images and radiology reports, modeled after the CLIP
// training recipe.
//
// The toolkit wires pretrained backbones into a dual encoder with learnable
// projection heads and a temperature-scaled contrastive objective. Vision
// backbones run through ONNX Runtime; text backbones are embedding providers
// (local models or remote APIs). Heavy numerical execution stays inside
// those engines, while this module owns the data pipeline, loss and logit
// arithmetic, scheduling, checkpointing, and evaluation.
//
// Typical use builds a Client from configuration and runs pretraining:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := medclip.NewClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Pretrain(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The subpackages can also be used directly: pkg/dataset for the IU-Xray
// pipeline, pkg/model for the dual encoder, prompt classifier, and linear
// probe, pkg/trainer for the training loop, and pkg/checkpoint for weight
// persistence.
package medclip
