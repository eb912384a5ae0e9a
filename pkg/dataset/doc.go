// Package dataset assembles patient-level records from the IU-Xray report
// and projection tables and collates them into batched model inputs.
//
// A patient record bundles the frontal and lateral image paths with the
// concatenated report text (findings, impression, MeSH). The image-text
// collator replicates each patient's report once per image so every image
// gets a companion copy of the same report, which is what the contrastive
// loss pairs against.
package dataset
