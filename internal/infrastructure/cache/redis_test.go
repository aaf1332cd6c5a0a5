package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/provider-gateway/internal/infrastructure/config"
)

func setupTestRedis(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		URL:          mr.Addr(),
		DB:           0,
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	store, err := NewRedisStore(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
		mr.Close()
	})

	return store, mr
}

type payload struct {
	Provider string `json:"provider"`
	Amount   int    `json:"amount"`
}

func TestRedisStoreJSONRoundTrip(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	in := payload{Provider: "stripe", Amount: 4200}
	require.NoError(t, store.SetJSON(ctx, "res", in, time.Minute))

	var out payload
	require.NoError(t, store.GetJSON(ctx, "res", &out))
	assert.Equal(t, in, out)
}

func TestRedisStoreMissingKey(t *testing.T) {
	store, _ := setupTestRedis(t)

	var out payload
	err := store.GetJSON(context.Background(), "nope", &out)
	require.Error(t, err)
	assert.IsType(t, ErrKeyNotFound{}, err)
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "res", payload{Provider: "plaid"}, 0))
	require.NoError(t, store.Delete(ctx, "res"))

	var out payload
	assert.IsType(t, ErrKeyNotFound{}, store.GetJSON(ctx, "res", &out))

	// deleting a key that is already gone is not an error
	require.NoError(t, store.Delete(ctx, "res"))
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "ephemeral", payload{Provider: "stripe"}, 5*time.Second))

	mr.FastForward(10 * time.Second)

	var out payload
	assert.IsType(t, ErrKeyNotFound{}, store.GetJSON(ctx, "ephemeral", &out))
}

func TestRedisStoreCorruptValue(t *testing.T) {
	store, mr := setupTestRedis(t)

	require.NoError(t, mr.Set("res", "{not json"))

	var out payload
	err := store.GetJSON(context.Background(), "res", &out)
	require.Error(t, err)
	assert.NotEqual(t, ErrKeyNotFound{Key: "res"}, err)
}
