//go:build integration

package proxies

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/idgen"
	"github.com/mbd888/crawlpilot/internal/logging"
)

func TestRedisPool_Rotation(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	prefix := "crawlpilot:test:" + idgen.New()
	p := NewRedisPool(client, logging.Discard()).WithKeyPrefix(prefix)
	defer client.Del(ctx, prefix+":slots", prefix+":usage")

	require.NoError(t, p.Ping(ctx))
	assert.Nil(t, p.Acquire(ctx))

	require.NoError(t, p.Register(ctx, &Slot{ID: "a", Host: "a", Port: 1}))
	require.NoError(t, p.Register(ctx, &Slot{ID: "b", Host: "b", Port: 2}))

	peeked := p.Peek(ctx)
	require.NotNil(t, peeked)
	n, err := p.Usage(ctx, peeked.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	first := p.Acquire(ctx)
	second := p.Acquire(ctx)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)

	n, err = p.Usage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, p.Remove(ctx, "a"))
	assert.Equal(t, "b", p.Acquire(ctx).ID)
}
