package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig controls the distributed lock.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block a key.
	TTL time.Duration
	// MaxWait caps the time Acquire polls when ctx has no earlier deadline.
	MaxWait time.Duration
	// Poll is the retry interval while the key is held elsewhere.
	Poll time.Duration
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "docflow:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, cfg: cfg}, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MaxWait)
	defer cancel()

	full := r.cfg.Prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.cfg.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's context is already cancelled.
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			if err := releaseScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
				log.Printf("[lock] release %s failed: %v", key, err)
			}
		})
	}, nil
}
