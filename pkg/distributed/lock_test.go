package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewLock_TokensAreUnique(t *testing.T) {
	client := unreachableClient(t)
	a := NewLock(client, "consultnet:lock:test", time.Second)
	b := NewLock(client, "consultnet:lock:test", time.Second)

	assert.Equal(t, "consultnet:lock:test", a.Key())
	assert.Len(t, a.token, 32)
	assert.NotEqual(t, a.token, b.token)
}

func TestLock_AcquireFailsWithoutRedis(t *testing.T) {
	lock := NewLock(unreachableClient(t), "consultnet:lock:test", time.Second)

	ok, err := lock.TryAcquire(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "consultnet:lock:test")

	assert.Error(t, lock.Acquire(context.Background(), time.Second))
}

func TestWithLock_DoesNotRunWithoutLease(t *testing.T) {
	ran := false
	err := WithLock(context.Background(), unreachableClient(t), "consultnet:lock:test", time.Second, time.Second,
		func(context.Context) error {
			ran = true
			return nil
		})

	assert.Error(t, err)
	assert.False(t, ran)
}

func TestLock_ReleaseWithoutAcquireIsSafe(t *testing.T) {
	lock := NewLock(unreachableClient(t), "consultnet:lock:test", time.Second)
	assert.Error(t, lock.Release(context.Background()))
}
