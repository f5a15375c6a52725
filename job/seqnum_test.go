package job

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqAllocatorMonotonic(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)

	first, err := alloc.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	second, err := alloc.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(2), second)

	cur, err := alloc.Curr()
	require.NoError(t, err)
	require.Equal(t, second, cur)
}

func TestSeqAllocatorConcurrentUnique(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)

	const n = 50
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := alloc.Next()
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "sequence allocator handed out a duplicate ID")
		seen[id] = true
	}
}
