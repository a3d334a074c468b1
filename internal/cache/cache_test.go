package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pvebatch/internal/cache"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache(endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc
}

// key returns a per-subtest key so subtests sharing one container stay independent.
func key(prefix string) string {
	return prefix + ":" + uuid.NewString()[:8]
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := startRedis(t)
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, rc.Ping(ctx))
	})

	t.Run("set get delete", func(t *testing.T) {
		k := key("kv")
		require.NoError(t, rc.Set(ctx, k, []byte(`[{"vmid":100}]`), time.Minute))

		val, found, err := rc.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.JSONEq(t, `[{"vmid":100}]`, string(val))

		require.NoError(t, rc.Delete(ctx, k))
		_, found, err = rc.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, rc.Delete(ctx, k), "deleting a missing key is not an error")
	})

	t.Run("missing key", func(t *testing.T) {
		val, found, err := rc.Get(ctx, key("missing"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})

	t.Run("ttl", func(t *testing.T) {
		k := key("ttl")
		require.NoError(t, rc.Set(ctx, k, []byte("x"), time.Second))

		assert.Eventually(t, func() bool {
			_, found, err := rc.Get(ctx, k)
			return err == nil && !found
		}, 3*time.Second, 100*time.Millisecond)
	})
}

func TestRedisCache_JobProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := startRedis(t)
	ctx := context.Background()

	p := models.JobProgress{
		JobID:    42,
		Status:   models.JobStatusRunning,
		Progress: models.NewProgress(1, 3, 0),
	}
	require.NoError(t, rc.SetJobProgress(ctx, p, time.Minute))

	got, found, err := rc.GetJobProgress(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 33, got.Progress.Percentage)
	assert.Equal(t, 3, got.Progress.Total)

	got, found, err = rc.GetJobProgress(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)

	require.NoError(t, rc.Set(ctx, cache.JobProgressKey(7), []byte("{not json"), time.Minute))
	_, found, err = rc.GetJobProgress(ctx, 7)
	require.Error(t, err)
	assert.False(t, found)
}

func TestRedisCache_IncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := startRedis(t)
	ctx := context.Background()

	t.Run("counts", func(t *testing.T) {
		k := key("ratelimit")
		for want := int64(1); want <= 3; want++ {
			got, err := rc.IncrWithExpiry(ctx, k, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("window is fixed", func(t *testing.T) {
		k := key("window")
		_, err := rc.IncrWithExpiry(ctx, k, time.Second)
		require.NoError(t, err)

		// a later hit with a longer expiry must not push the window out
		_, err = rc.IncrWithExpiry(ctx, k, time.Hour)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			n, err := rc.IncrWithExpiry(ctx, k, time.Second)
			return err == nil && n == 1
		}, 3*time.Second, 200*time.Millisecond)
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "job:17:progress", cache.JobProgressKey(17))
	assert.Equal(t, "ratelimit:10.0.0.5", cache.RateLimitKey("10.0.0.5"))
	assert.Equal(t, "proxmox:inventory", cache.InventoryKey())

	keys := map[string]struct{}{
		cache.JobProgressKey(1): {},
		cache.JobProgressKey(2): {},
		cache.RateLimitKey("1"): {},
		cache.InventoryKey():    {},
	}
	assert.Len(t, keys, 4)
}
