// Package utils provides small shared helpers for the toolkit: vector math
// over embeddings, bounded concurrency, and panic recovery.
package utils
