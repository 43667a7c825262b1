package lock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupNodes(t *testing.T, n int) ([]*miniredis.Miniredis, []*redis.Client, []string) {
	t.Helper()
	var (
		nodes   []*miniredis.Miniredis
		clients []*redis.Client
		addrs   []string
	)
	for i := 0; i < n; i++ {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		nodes = append(nodes, mr)
		clients = append(clients, client)
		addrs = append(addrs, mr.Addr())
	}
	t.Cleanup(func() {
		for i := range nodes {
			clients[i].Close()
			nodes[i].Close()
		}
	})
	return nodes, clients, addrs
}

func newTestRedLock(clients []*redis.Client, addrs []string) *RedLock {
	return NewRedLockWithClients(clients, addrs, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedLock_AcquireIsExclusive(t *testing.T) {
	_, clients, addrs := setupNodes(t, 3)
	ctx := context.Background()
	a := newTestRedLock(clients, addrs)
	b := newTestRedLock(clients, addrs)

	ok, err := a.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.ReleaseLock(ctx, "sweeper"))

	ok, err = b.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedLock_QuorumOfNodes(t *testing.T) {
	nodes, clients, addrs := setupNodes(t, 3)
	ctx := context.Background()

	require.NoError(t, nodes[0].Set("sweeper", "someone-else"))
	ok, err := newTestRedLock(clients, addrs).AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, nodes[1].Set("other", "someone-else"))
	require.NoError(t, nodes[2].Set("other", "someone-else"))
	ok, err = newTestRedLock(clients, addrs).AcquireLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, nodes[0].Exists("other"), "failed attempt must clean up the node it did lock")
}

func TestRedLock_RefreshAndExpiry(t *testing.T) {
	nodes, clients, addrs := setupNodes(t, 1)
	ctx := context.Background()
	l := newTestRedLock(clients, addrs)

	ok, err := l.AcquireLock(ctx, "sweeper", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	nodes[0].FastForward(5 * time.Second)
	ok, err = l.RefreshLock(ctx, "sweeper", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	nodes[0].FastForward(8 * time.Second)
	assert.True(t, nodes[0].Exists("sweeper"))

	nodes[0].FastForward(3 * time.Second)
	ok, err = l.RefreshLock(ctx, "sweeper", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.RefreshLock(ctx, "sweeper", 10*time.Second)
	assert.Error(t, err)
}

func TestRedLock_ReleaseDoesNotTouchForeignLock(t *testing.T) {
	nodes, clients, addrs := setupNodes(t, 1)
	ctx := context.Background()
	l := newTestRedLock(clients, addrs)

	ok, err := l.AcquireLock(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	nodes[0].FastForward(2 * time.Second)
	require.NoError(t, nodes[0].Set("sweeper", "new-owner"))

	require.NoError(t, l.ReleaseLock(ctx, "sweeper"))
	got, err := nodes[0].Get("sweeper")
	require.NoError(t, err)
	assert.Equal(t, "new-owner", got)

	assert.Error(t, l.ReleaseLock(ctx, "sweeper"))
}

func TestRedLock_ReleaseAllLocks(t *testing.T) {
	nodes, clients, addrs := setupNodes(t, 1)
	ctx := context.Background()
	l := newTestRedLock(clients, addrs)

	for _, name := range []string{"a", "b"} {
		ok, err := l.AcquireLock(ctx, name, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	l.ReleaseAllLocks(ctx)
	assert.False(t, nodes[0].Exists("a"))
	assert.False(t, nodes[0].Exists("b"))
}
