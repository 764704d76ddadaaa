package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-guard/internal/common/errors"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
	})

	t.Run("defaults", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		assert.Equal(t, 10, client.config.PoolSize)
		assert.NoError(t, client.Health(context.Background()))
		assert.NotNil(t, client.Raw())
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = NewClient(&Config{Address: addr})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
	})
}

func TestHealth_AfterServerStops(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	assert.Error(t, client.Health(context.Background()))
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)

	sub := client.Subscribe(ctx, "guard-events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "guard-events", map[string]string{"severity": "high"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
	assert.Equal(t, "high", payload["severity"])
}
