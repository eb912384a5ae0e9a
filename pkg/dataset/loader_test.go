package dataset

import (
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/medclip/pkg/embedder"
)

func loaderFixture(t *testing.T, patients int) (*Dataset, *ImageTextCollator) {
	t.Helper()
	dir := t.TempDir()

	ds := &Dataset{ImageDir: dir}
	for i := 0; i < patients; i++ {
		name := filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, name, 12, 12)
		ds.Records = append(ds.Records, PatientRecord{
			UID:     string(rune('a' + i)),
			Frontal: []string{name},
			Report:  "report " + string(rune('a'+i)),
		})
	}

	collator, err := NewImageTextCollator(testExtractor(), embedder.NewWordTokenizer(), false, nil)
	require.NoError(t, err)
	return ds, collator
}

func TestNewDataLoader(t *testing.T) {
	ds, collator := loaderFixture(t, 2)

	t.Run("rejects non-positive batch size", func(t *testing.T) {
		_, err := NewDataLoader(ds, collator, 0, false, nil)
		assert.Error(t, err)
	})

	t.Run("shuffle requires a rand source", func(t *testing.T) {
		_, err := NewDataLoader(ds, collator, 1, true, nil)
		assert.Error(t, err)
	})
}

func TestDataLoaderEpoch(t *testing.T) {
	ds, collator := loaderFixture(t, 5)
	loader, err := NewDataLoader(ds, collator, 2, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, loader.Steps())

	var sizes []int
	for {
		batch, err := loader.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
	}
	// 5 patients with one image each in batches of 2.
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// Reset rewinds for the next epoch.
	loader.Reset()
	batch, err := loader.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Size())
}

func TestDataLoaderShuffle(t *testing.T) {
	ds, collator := loaderFixture(t, 6)
	loader, err := NewDataLoader(ds, collator, 6, true, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	first := collectTexts(t, loader)
	orders := map[string]bool{key(first): true}
	for i := 0; i < 10; i++ {
		loader.Reset()
		orders[key(collectTexts(t, loader))] = true
	}
	// At least one reshuffle must produce a different order.
	assert.Greater(t, len(orders), 1)

	// Every epoch still visits every patient exactly once.
	loader.Reset()
	texts := collectTexts(t, loader)
	assert.Len(t, texts, 6)
	unique := map[string]bool{}
	for _, s := range texts {
		unique[s] = true
	}
	assert.Len(t, unique, 6)
}

func collectTexts(t *testing.T, loader *DataLoader) []string {
	t.Helper()
	var texts []string
	for {
		batch, err := loader.Next(context.Background())
		if err == io.EOF {
			return texts
		}
		require.NoError(t, err)
		texts = append(texts, batch.Texts...)
	}
}

func key(texts []string) string {
	out := ""
	for _, s := range texts {
		out += s + "|"
	}
	return out
}
