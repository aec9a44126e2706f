package locker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/copay-engine/locker"
)

func TestLocal_ExclusivePerKey(t *testing.T) {
	l := locker.NewLocal()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "webhook:charge:ch_1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "webhook:charge:ch_1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	other, ok, _ := l.TryLock(ctx, "webhook:charge:ch_2")
	assert.True(t, ok, "other keys are independent")
	other()

	unlock()
	unlock() // idempotent

	again, ok, _ := l.TryLock(ctx, "webhook:charge:ch_1")
	assert.True(t, ok)
	again()
}

func TestLocal_ConcurrentAcquire_OneWinner(t *testing.T) {
	// GIVEN: 20 goroutines race for the same key
	// THEN: Exactly one gets it while it is held

	l := locker.NewLocal()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	unlocks := make(chan func(), 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			unlock, ok, _ := l.TryLock(context.Background(), "k")
			if ok {
				winners.Add(1)
				unlocks <- unlock
			}
		}()
	}
	close(start)
	wg.Wait()
	close(unlocks)

	assert.Equal(t, int32(1), winners.Load())
	for u := range unlocks {
		u()
	}
}

func TestRedis_UnreachableServer_ReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	unlock, ok, err := locker.NewRedis(client, 0).TryLock(context.Background(), "webhook:charge:ch_1")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, unlock)
}
