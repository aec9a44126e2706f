/*
Package locker serializes webhook handling per processor charge.

PURPOSE:
  The reconciler takes a lock on "webhook:charge:<id>" before settling so
  duplicate deliveries of one charge, possibly landing on different
  instances, never settle concurrently. A delivery that finds the lock
  held gets 409 and the processor retries.

IMPLEMENTATIONS:
  Redis  SET NX PX with a random token, released by compare-and-delete
  Local  in-process map, for single-instance runs and tests
*/
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/copay-engine/payments"
)

// DefaultTTL bounds how long a crashed holder can block a charge.
const DefaultTTL = 30 * time.Second

var (
	_ payments.Locker = (*Redis)(nil)
	_ payments.Locker = (*Local)(nil)
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a single-node Redis lock.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: "copay:lock:"}
}

func (l *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// Release on a fresh context so a cancelled request still frees the key.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{full}, token).Err()
	}
	return unlock, true, nil
}

// Local is an in-process lock set.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return unlock, true, nil
}
