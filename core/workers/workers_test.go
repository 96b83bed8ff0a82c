package workers

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameKeyStaysOrdered(t *testing.T) {
	pool := New(4, 16)

	var mutex sync.Mutex
	got := []int{}
	for i := 0; i < 100; i++ {
		i := i
		pool.Submit(context.Background(), "device-1", func(ctx context.Context) {
			mutex.Lock()
			got = append(got, i)
			mutex.Unlock()
		})
	}
	pool.Shutdown()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDifferentKeysAllRun(t *testing.T) {
	pool := New(3, 8)

	var mutex sync.Mutex
	seen := map[string]int{}
	keys := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 50; i++ {
		key := keys[i%len(keys)]
		pool.Submit(context.Background(), key, func(ctx context.Context) {
			mutex.Lock()
			seen[key]++
			mutex.Unlock()
		})
	}
	pool.Shutdown()

	total := 0
	for _, n := range seen {
		total += n
	}
	assert.Equal(t, 50, total)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	pool := New(1, 4)

	done := false
	pool.Submit(context.Background(), "k", func(ctx context.Context) {
		panic("boom")
	})
	pool.Submit(context.Background(), "k", func(ctx context.Context) {
		done = true
	})
	pool.Shutdown()

	assert.True(t, done)
}

func TestSubmitAfterShutdownIsDropped(t *testing.T) {
	pool := New(1, 1)
	pool.Shutdown()
	pool.Submit(context.Background(), "k", func(ctx context.Context) {
		t.Fatal("task must not run after shutdown")
	})
	pool.Shutdown()
}
