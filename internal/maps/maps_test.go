package maps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasics(t *testing.T) {
	m := New[int64, string]()

	assert.Equal(t, int64(1), m.Add(1, "one"))
	assert.Equal(t, int64(2), m.Add(2, "two"))
	assert.Equal(t, 2, m.Len())

	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	_, ok = m.Get(42)
	assert.False(t, ok, "missing key must report absence, not fail")

	v, ok = m.Remove(2)
	require.True(t, ok)
	assert.Equal(t, "two", v)

	_, ok = m.Remove(2)
	assert.False(t, ok, "double remove is a no-op")
	assert.Equal(t, 1, m.Len())
}

// go test -race -timeout 30s -run ^TestMapConcurrent$ ./internal/maps
func TestMapConcurrent(t *testing.T) {
	const callers = 8
	const perCaller = 500

	m := New[int64, int]()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			base := int64(caller * perCaller)
			for j := 0; j < perCaller; j++ {
				key := base + int64(j)
				m.Add(key, caller)
				if _, ok := m.Get(key); !ok {
					t.Errorf("key %d vanished between Add and Get", key)
					return
				}
				if j%2 == 0 {
					m.Remove(key)
				}
			}
		}(i)
	}
	wg.Wait()

	// Every caller kept its odd keys and removed its even keys; the final
	// contents match applying each caller's operations in some serial order.
	assert.Equal(t, callers*perCaller/2, m.Len())
	for caller := 0; caller < callers; caller++ {
		base := int64(caller * perCaller)
		for j := 0; j < perCaller; j++ {
			_, ok := m.Get(base + int64(j))
			assert.Equal(t, j%2 == 1, ok)
		}
	}
}

func TestMapDrain(t *testing.T) {
	m := New[int64, string]()
	m.Add(1, "a")
	m.Add(2, "b")

	drained := m.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, m.Len())

	_, ok := m.Get(1)
	assert.False(t, ok)
}

func TestMapRange(t *testing.T) {
	m := New[int64, string]()
	m.Add(1, "a")
	m.Add(2, "b")
	m.Add(3, "c")

	var visited int
	m.Range(func(key int64, value string) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited, "Range stops when fn returns false")
}
