// Package vision provides chest X-ray image loading, preprocessing, and a
// pretrained vision-transformer backbone for embedding extraction.
//
// The preprocessing pipeline mirrors the CLIP feature extractor: decode,
// resize, center-crop, and per-channel normalization into NCHW float32
// tensors. The backbone delegates all model execution to ONNX Runtime; this
// package only shapes data in and out of it.
package vision
