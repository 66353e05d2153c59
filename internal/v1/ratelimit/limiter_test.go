package ratelimit

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidRates(t *testing.T) {
	_, err := New("banana", "100-S", nil)
	assert.Error(t, err)

	_, err = New("5-M", "banana", nil)
	assert.Error(t, err)
}

func TestAllowFileMeta_CapsWindow(t *testing.T) {
	l, err := New("5-M", "100-S", nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.AllowFileMeta(ctx, "alice"), "transfer %d should pass", i+1)
	}
	assert.False(t, l.AllowFileMeta(ctx, "alice"), "sixth transfer must be refused")

	// Other users are unaffected
	assert.True(t, l.AllowFileMeta(ctx, "bob"))
}

func TestAllowUDP_PerUserWindow(t *testing.T) {
	l, err := New("5-M", "3-S", nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowUDP(ctx, "alice"))
	}
	assert.False(t, l.AllowUDP(ctx, "alice"))
	assert.True(t, l.AllowUDP(ctx, "bob"))
}

func TestKeysAreNamespacedPerConcern(t *testing.T) {
	// The same username must not share a window across file and UDP limits.
	l, err := New("1-M", "1-S", nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, l.AllowFileMeta(ctx, "alice"))
	assert.True(t, l.AllowUDP(ctx, "alice"))
	assert.False(t, l.AllowFileMeta(ctx, "alice"))
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := New("2-M", "100-S", client)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, l.AllowFileMeta(ctx, "alice"))
	assert.True(t, l.AllowFileMeta(ctx, "alice"))
	assert.False(t, l.AllowFileMeta(ctx, "alice"))
}

func TestFailOpenOnStoreError(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := New("1-M", "1-S", client)
	require.NoError(t, err)

	srv.Close()

	// With the store down every check passes rather than blocking traffic.
	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowFileMeta(context.Background(), fmt.Sprintf("user%d", i)))
	}
}
