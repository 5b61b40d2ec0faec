package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timed out")
	ErrNotHeld     = errors.New("lock is not held by this holder")
)

const retryInterval = 100 * time.Millisecond

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-holder lease on a Redis key, shared by every signaling
// instance pointed at the same Redis. The lease is kept alive in the
// background until Release.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	mu    sync.Mutex
	stop  chan struct{}
	ended chan struct{}
}

// NewLock creates a lease on key with a fresh holder token
func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  newToken(),
		ttl:    ttl,
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Lock) Key() string { return l.key }

// TryAcquire takes the lease if nobody holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.startRenewal()
	}
	return ok, nil
}

// Acquire polls until the lease is taken, wait elapses or ctx is done.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", l.key, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release gives the lease back. It reports ErrNotHeld when the lease
// expired and someone else took it in the meantime.
func (l *Lock) Release(ctx context.Context) error {
	l.stopRenewal()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lock) startRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.ended = make(chan struct{})
	go l.renew(l.stop, l.ended)
}

func (l *Lock) stopRenewal() {
	l.mu.Lock()
	stop, ended := l.stop, l.ended
	l.stop, l.ended = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-ended
	}
}

func (l *Lock) renew(stop <-chan struct{}, ended chan<- struct{}) {
	defer close(ended)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// WithLock runs fn while holding the lease on key.
func WithLock(ctx context.Context, client redis.UniversalClient, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	lock := NewLock(client, key, ttl)
	if err := lock.Acquire(ctx, wait); err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}
