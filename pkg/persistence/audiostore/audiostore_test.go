package audiostore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/interview"
)

func TestMemoryStoreExpires(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	h, err := m.Put(ctx, []byte("mp3"))
	require.NoError(t, err)
	data, err := m.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "mp3", string(data))

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, h)
	require.True(t, interview.IsNotFound(err))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedis(client, "test", time.Minute)
	ctx := context.Background()

	h, err := r.Put(ctx, []byte("mp3"))
	require.NoError(t, err)
	data, err := r.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "mp3", string(data))

	mr.FastForward(2 * time.Minute)
	_, err = r.Get(ctx, h)
	require.True(t, interview.IsNotFound(err))

	_, err = r.Get(ctx, "unknown")
	require.True(t, interview.IsNotFound(err))
}
