package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-service/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQuoteLocker_TimesOutWhileHeld(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisQuoteLocker(client, time.Minute, 100*time.Millisecond)
	ctx := context.Background()
	quoteID := uuid.New()

	unlock, err := locker.Lock(ctx, quoteID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(quoteLockPrefix+quoteID.String()))
	assert.Equal(t, time.Minute, mr.TTL(quoteLockPrefix+quoteID.String()))

	_, err = locker.Lock(ctx, quoteID)
	assert.ErrorIs(t, err, models.ErrLockTimeout)

	// other quotes are independent
	unlockOther, err := locker.Lock(ctx, uuid.New())
	require.NoError(t, err)
	unlockOther()

	unlock()
	assert.False(t, mr.Exists(quoteLockPrefix+quoteID.String()))

	again, err := locker.Lock(ctx, quoteID)
	require.NoError(t, err)
	again()
}

func TestRedisQuoteLocker_UnlockKeepsForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisQuoteLocker(client, time.Minute, time.Second)
	quoteID := uuid.New()
	key := quoteLockPrefix + quoteID.String()

	unlock, err := locker.Lock(context.Background(), quoteID)
	require.NoError(t, err)

	// the lock expired and another replica took it
	require.NoError(t, mr.Set(key, "other-replica"))
	unlock()

	value, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-replica", value)
}

func TestRedisQuoteLocker_ContextEndsWhileWaiting(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisQuoteLocker(client, time.Minute, 10*time.Second)
	quoteID := uuid.New()

	unlock, err := locker.Lock(context.Background(), quoteID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, quoteID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalQuoteLocker_ContextEndsWhileWaiting(t *testing.T) {
	locker := NewLocalQuoteLocker()
	quoteID := uuid.New()

	unlock, err := locker.Lock(context.Background(), quoteID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, quoteID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), quoteID)
	require.NoError(t, err)
	again()
}

func TestLocalQuoteLocker_Serializes(t *testing.T) {
	locker := NewLocalQuoteLocker()
	quoteID := uuid.New()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		total   int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), quoteID)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			total++
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 16, total)
	assert.Empty(t, locker.locks)
}
