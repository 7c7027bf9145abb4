package types

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// go test -v -timeout 30s -run ^TestIdGeneratorConcurrent$ ./internal/types
func TestIdGeneratorConcurrent(t *testing.T) {
	const callers = 16
	const perCaller = 1000

	gen := NewIdGenerator()

	results := make([][]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ids := make([]int64, 0, perCaller)
			for j := 0; j < perCaller; j++ {
				ids = append(ids, gen.Next())
			}
			results[slot] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, callers*perCaller)
	for _, ids := range results {
		last := int64(0)
		for _, id := range ids {
			require.NotZero(t, id)
			require.Greater(t, id, last, "ids must increase within a caller")
			require.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
			last = id
		}
	}

	require.Len(t, seen, callers*perCaller)
	for i := int64(1); i <= callers*perCaller; i++ {
		require.True(t, seen[i], "missing id %d", i)
	}
	require.Equal(t, int64(callers*perCaller), gen.Current())
}

func TestIdGeneratorStartsAtOne(t *testing.T) {
	gen := NewIdGenerator()
	require.Equal(t, int64(0), gen.Current())
	require.Equal(t, int64(1), gen.Next())
	require.Equal(t, int64(2), gen.Next())
}
