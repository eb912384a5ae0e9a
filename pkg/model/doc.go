// Package model composes pretrained vision and text backbones into a
// CLIP-style dual encoder for medical image-report contrastive pretraining,
// plus the two classification heads built on top of it: a prompt-based
// zero-shot classifier and a supervised linear probe.
//
// Backbones are external collaborators reached through the VisionBackbone
// and TextBackbone interfaces; this package owns only the projection heads,
// the temperature-scaled similarity computation, and the loss formulas.
package model
