package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/models"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCheckpointer_EnqueueWrites(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore())
	cp := NewCheckpointer(cache, nil, 0, 8, nil)
	cp.Start()
	defer cp.Stop()

	require.True(t, cp.Enqueue(snap(map[string]string{"a": "solid"}, false), "node_exit"))

	waitFor(t, func() bool {
		_, err := cache.Latest(ctx, "sess-1")
		return err == nil
	}, "checkpoint never landed")

	latest, err := cache.Latest(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "node_exit", latest.Name)
}

func TestCheckpointer_PublishesEvent(t *testing.T) {
	cache := NewCache(NewMemoryStore())
	bus := events.NewBus(8)
	defer bus.Close()
	sub := bus.Subscribe(events.TopicSession("sess-1"))
	defer sub.Close()

	cp := NewCheckpointer(cache, bus, 0, 8, nil)
	cp.Start()
	defer cp.Stop()

	cp.Enqueue(snap(nil, false), "cp")

	select {
	case ev := <-sub.Events():
		payload, ok := ev.(events.StateCheckpointPayload)
		require.True(t, ok)
		assert.Equal(t, "sess-1", payload.SessionID)
		assert.Contains(t, payload.Key, "state:sess-1:cp:")
	case <-time.After(2 * time.Second):
		t.Fatal("no checkpoint event received")
	}
}

func TestCheckpointer_StopDrainsQueue(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore())
	cp := NewCheckpointer(cache, nil, 0, 16, nil)
	cp.Start()

	for i := 0; i < 10; i++ {
		require.True(t, cp.Enqueue(snap(nil, false), "cp"))
	}
	cp.Stop()

	history, err := cache.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, history, 10, "accepted checkpoints survive a clean shutdown")
}

func TestCheckpointer_DropsOldestWhenFull(t *testing.T) {
	cache := NewCache(NewMemoryStore())
	cp := NewCheckpointer(cache, nil, 0, 2, nil)
	// Not started: the queue fills and eviction kicks in.

	first := snap(nil, false)
	first.Iteration = 1
	second := snap(nil, false)
	second.Iteration = 2
	third := snap(nil, false)
	third.Iteration = 3

	assert.True(t, cp.Enqueue(first, "cp"))
	assert.True(t, cp.Enqueue(second, "cp"))
	assert.True(t, cp.Enqueue(third, "cp"), "a full queue evicts the oldest, never rejects the newest")

	// The queue now holds the second and third requests.
	got := <-cp.queue
	assert.Equal(t, 2, got.snapshot.Iteration)
	got = <-cp.queue
	assert.Equal(t, 3, got.snapshot.Iteration)
}

func TestCheckpointer_IntervalSnapshotsRegisteredSessions(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore())
	cp := NewCheckpointer(cache, nil, 20*time.Millisecond, 8, nil)

	var iteration int
	cp.Register("sess-1", func() models.SessionSnapshot {
		iteration++
		s := snap(nil, false)
		s.Iteration = iteration
		return s
	})
	cp.Start()
	defer cp.Stop()

	waitFor(t, func() bool {
		history, err := cache.History(ctx, "sess-1")
		return err == nil && len(history) >= 2
	}, "interval checkpoints never appeared")

	latest, err := cache.Latest(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "interval", latest.Name)

	cp.Unregister("sess-1")
	history, err := cache.History(ctx, "sess-1")
	require.NoError(t, err)
	count := len(history)

	time.Sleep(60 * time.Millisecond)
	history, err = cache.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(history), count+1, "unregistered sessions stop being snapshotted")
}
