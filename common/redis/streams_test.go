package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "soma:test:stream", "g1"))
	// 组已存在，不应报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "soma:test:stream", "g1"))
}

func TestPublishJSONToStream_ReadAndAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	stream := "soma:test:stream"

	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "g1"))

	id, err := PublishJSONToStream(ctx, client, stream, map[string]string{"user_id": "u-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadFromStream(ctx, client, stream, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	data, err := msgs[0].Data()
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(data))

	require.NoError(t, AckMessages(ctx, client, stream, "g1", id))

	pending, err := client.XPending(ctx, stream, "g1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamMessage_DataMissing(t *testing.T) {
	_, err := StreamMessage{ID: "1-0", Values: map[string]interface{}{"init": "true"}}.Data()
	assert.Error(t, err)
}
