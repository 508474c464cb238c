// Package redislock implements monitor.Locker on Redis so several guardian
// replicas sharing one store serialize per-subject work.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
	keyPrefix    = "guardian:lock:"
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options tunes lock behavior. Zero values pick defaults.
type Options struct {
	// TTL bounds how long a crashed holder keeps a key.
	TTL time.Duration

	// Retry is the poll interval while a key is held elsewhere.
	Retry time.Duration
}

// Locker is a Redis-backed monitor.Locker.
type Locker struct {
	rdb    goredis.UniversalClient
	logger log.Logger
	ttl    time.Duration
	retry  time.Duration
}

var _ monitor.Locker = (*Locker)(nil)

// New wraps an existing client.
func New(rdb goredis.UniversalClient, logger log.Logger, opts Options) *Locker {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Retry <= 0 {
		opts.Retry = defaultRetry
	}
	return &Locker{rdb: rdb, logger: logger, ttl: opts.TTL, retry: opts.Retry}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Lock polls SET NX PX until it owns key or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := keyPrefix + key
	token := ulid.Make().String()

	for {
		ok, err := l.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ctx, key, rkey, token) })
	}, nil
}

func (l *Locker) release(ctx context.Context, key, rkey, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(relCtx, l.rdb, []string{rkey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		l.logger.Warn(relCtx, "redis lock release failed, key expires after ttl",
			"lock_key", key,
			"error", err,
		)
	}
}
