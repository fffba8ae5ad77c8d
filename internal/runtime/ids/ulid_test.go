package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsStrictlyIncreasing(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range generated {
		generated[i] = New()
		require.Len(t, generated[i], 26)
	}
	for i := 1; i < total; i++ {
		assert.Less(t, generated[i-1], generated[i])
	}
}

func TestNewConcurrentUniqueness(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestAtRoundTripsTimestamp(t *testing.T) {
	failedAt := time.Date(2026, 1, 13, 10, 30, 0, 0, time.UTC)
	id := At(failedAt)

	got, err := Time(id)
	require.NoError(t, err)
	assert.True(t, got.Equal(failedAt), "got %s", got)

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}
