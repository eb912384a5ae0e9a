package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"
)

// DataLoader yields collated batches over a dataset, optionally reshuffling
// the record order on every epoch.
type DataLoader struct {
	dataset   *Dataset
	collator  *ImageTextCollator
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	pos   int
}

// NewDataLoader builds a loader. rng is required when shuffle is set.
func NewDataLoader(ds *Dataset, collator *ImageTextCollator, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if shuffle && rng == nil {
		return nil, fmt.Errorf("shuffling loader requires an explicit rand source")
	}

	l := &DataLoader{
		dataset:   ds,
		collator:  collator,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		order:     make([]int, ds.Len()),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l, nil
}

// Steps returns the number of batches per epoch.
func (l *DataLoader) Steps() int {
	n := l.dataset.Len()
	return (n + l.batchSize - 1) / l.batchSize
}

// Next returns the next collated batch, or io.EOF at the end of the epoch.
func (l *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if l.pos >= len(l.order) {
		return nil, io.EOF
	}

	end := min(l.pos+l.batchSize, len(l.order))
	records := make([]PatientRecord, 0, end-l.pos)
	for _, idx := range l.order[l.pos:end] {
		records = append(records, l.dataset.Records[idx])
	}
	l.pos = end

	return l.collator.Collate(ctx, records)
}

// Reset rewinds the loader and reshuffles when configured to.
func (l *DataLoader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}
