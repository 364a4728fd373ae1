package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ledger-service/internal/models"
)

const quoteLockPrefix = "ledger:lock:quote:"

// QuoteLocker serializes work on a single quote across goroutines and,
// for the Redis implementation, across service replicas.
type QuoteLocker interface {
	Lock(ctx context.Context, quoteID uuid.UUID) (unlock func(), err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQuoteLocker holds a per-quote SET NX PX lock in Redis
type RedisQuoteLocker struct {
	client   *redis.Client
	ttl      time.Duration
	maxWait  time.Duration
	interval time.Duration
}

// NewRedisQuoteLocker creates a Redis backed locker
func NewRedisQuoteLocker(client *redis.Client, ttl, maxWait time.Duration) *RedisQuoteLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	return &RedisQuoteLocker{
		client:   client,
		ttl:      ttl,
		maxWait:  maxWait,
		interval: 25 * time.Millisecond,
	}
}

// Lock blocks until the quote lock is acquired, the context ends or maxWait elapses
func (l *RedisQuoteLocker) Lock(ctx context.Context, quoteID uuid.UUID) (func(), error) {
	key := quoteLockPrefix + quoteID.String()
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire quote lock: %w", err)
		}
		if ok {
			return func() {
				// release with a fresh context so a cancelled caller still unlocks
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				releaseLockScript.Run(releaseCtx, l.client, []string{key}, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", models.ErrLockTimeout, quoteID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}
	}
}

// LocalQuoteLocker is an in-process locker for single replica deployments and tests
type LocalQuoteLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*quoteLock
}

type quoteLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalQuoteLocker creates an in-process locker
func NewLocalQuoteLocker() *LocalQuoteLocker {
	return &LocalQuoteLocker{locks: make(map[uuid.UUID]*quoteLock)}
}

// Lock blocks until the quote lock is acquired or the context ends
func (l *LocalQuoteLocker) Lock(ctx context.Context, quoteID uuid.UUID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[quoteID]
	if !ok {
		lk = &quoteLock{ch: make(chan struct{}, 1)}
		l.locks[quoteID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(quoteID, lk, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(quoteID, lk, true) })
	}, nil
}

func (l *LocalQuoteLocker) release(quoteID uuid.UUID, lk *quoteLock, held bool) {
	if held {
		<-lk.ch
	}
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, quoteID)
	}
	l.mu.Unlock()
}
