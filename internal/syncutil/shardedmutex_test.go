package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	inside, maxInside := 0, 0
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("acct_1")
			defer unlock()
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestShardOf_Stable(t *testing.T) {
	assert.Equal(t, shardOf("acct_1"), shardOf("acct_1"))
	assert.Less(t, shardOf("anything"), uint32(shardCount))
}
