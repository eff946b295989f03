package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreFirstAttemptPasses(t *testing.T) {
	store := NewLocalStore()

	ok, wait, err := store.Attempt()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestLocalStoreBlocksWithinWindow(t *testing.T) {
	store := NewLocalStore()

	ok, _, err := store.Attempt()
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := store.Attempt()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, IdentifyWindow)
}

func TestLocalStoreSingleWinnerUnderContention(t *testing.T) {
	store := NewLocalStore()

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.Attempt()
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Two shards must never both identify inside the same window
	assert.Equal(t, 1, winners)
}

func TestLimiterWaitReturnsOnceSlotHeld(t *testing.T) {
	limiter := NewIdentifyLimiter(NewLocalStore())

	start := time.Now()
	require.NoError(t, limiter.Wait(0))
	assert.Less(t, time.Since(start), time.Second)
}
