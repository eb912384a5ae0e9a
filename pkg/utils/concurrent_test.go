package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("results are positional", func(t *testing.T) {
		pool := NewWorkerPool(4, func(ctx context.Context, s string) (int, error) {
			return len(s), nil
		})
		results, errs := pool.ProcessItems(context.Background(), []string{"a", "bb", "ccc"})

		require.Len(t, results, 3)
		assert.Equal(t, []int{1, 2, 3}, results)
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		pool := NewWorkerPool(2, func(ctx context.Context, s string) (int, error) { return 0, nil })
		results, errs := pool.ProcessItems(context.Background(), nil)
		assert.Nil(t, results)
		assert.Nil(t, errs)
	})

	t.Run("worker errors surface at their index", func(t *testing.T) {
		pool := NewWorkerPool(2, func(ctx context.Context, n int) (int, error) {
			if n%2 == 1 {
				return 0, errors.New("odd")
			}
			return n, nil
		})
		_, errs := pool.ProcessItems(context.Background(), []int{0, 1, 2})
		assert.NoError(t, errs[0])
		assert.Error(t, errs[1])
		assert.NoError(t, errs[2])
	})

	t.Run("worker panics become errors", func(t *testing.T) {
		pool := NewWorkerPool(1, func(ctx context.Context, n int) (int, error) {
			if n == 1 {
				panic("kaboom")
			}
			return n, nil
		})
		_, errs := pool.ProcessItems(context.Background(), []int{0, 1})
		assert.NoError(t, errs[0])
		require.Error(t, errs[1])
		var pe *PanicError
		assert.ErrorAs(t, errs[1], &pe)
	})
}
