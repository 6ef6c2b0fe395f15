package streambus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client)
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "scanorc:stream:scan-1:asset-1:enumerator", StreamKey("scan-1", "asset-1", "enumerator"))
}

func TestConsumerGroupName(t *testing.T) {
	assert.Equal(t, "scanorc:group:enumerator:resolver", ConsumerGroupName("enumerator", "resolver"))
}

func TestCreateStream_IdempotentAndLength(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	key := StreamKey("scan-1", "asset-1", "enumerator")
	group := ConsumerGroupName("enumerator", "resolver")

	require.NoError(t, bus.CreateStream(ctx, key, group))
	require.NoError(t, bus.CreateStream(ctx, key, group)) // idempotent

	n, err := bus.StreamLength(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMarkCompleteAndCompletionMarkerPresent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	key := StreamKey("scan-1", "asset-1", "enumerator")

	present, err := bus.CompletionMarkerPresent(ctx, key)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, bus.MarkComplete(ctx, key))

	present, err = bus.CompletionMarkerPresent(ctx, key)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestDeleteStream(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	key := StreamKey("scan-1", "asset-1", "enumerator")

	require.NoError(t, bus.MarkComplete(ctx, key))
	require.NoError(t, bus.DeleteStream(ctx, key))

	n, err := bus.StreamLength(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPendingCount_NoGroup(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	key := StreamKey("scan-1", "asset-1", "enumerator")
	require.NoError(t, bus.MarkComplete(ctx, key))

	_, err := bus.PendingCount(ctx, key, "nonexistent-group")
	assert.Error(t, err)
}
