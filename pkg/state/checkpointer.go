package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/metrics"
	"github.com/cadforge/cadforge/pkg/models"
)

// DefaultQueueSize is the pending-write capacity used when the configured
// size is zero or negative.
const DefaultQueueSize = 64

// SnapshotFunc produces the current snapshot for a registered session.
type SnapshotFunc func() models.SessionSnapshot

type checkpointRequest struct {
	snapshot models.SessionSnapshot
	name     string
}

// Checkpointer writes checkpoints asynchronously behind a bounded queue and
// takes interval checkpoints of registered sessions. When the queue is full
// the oldest pending write is dropped; a newer snapshot supersedes an older
// one anyway.
type Checkpointer struct {
	cache    *Cache
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	queue chan checkpointRequest

	mu      sync.Mutex
	sources map[string]SnapshotFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCheckpointer creates a checkpointer over the cache. interval <= 0
// disables interval checkpoints; explicit Enqueue still works. bus may be
// nil when no event stream is wanted.
func NewCheckpointer(cache *Cache, bus *events.Bus, interval time.Duration, queueSize int, logger *slog.Logger) *Checkpointer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		cache:    cache,
		bus:      bus,
		logger:   logger.With("component", "checkpointer"),
		interval: interval,
		queue:    make(chan checkpointRequest, queueSize),
		sources:  make(map[string]SnapshotFunc),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the writer and, when an interval is configured, the ticker
// loop.
func (c *Checkpointer) Start() {
	c.wg.Add(1)
	go c.writeLoop()
	if c.interval > 0 {
		c.wg.Add(1)
		go c.tickLoop()
	}
	c.logger.Info("Checkpointer started",
		"interval", c.interval, "queue_size", cap(c.queue))
}

// Stop halts the loops and drains writes already queued. Safe to call
// multiple times.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.logger.Info("Checkpointer stopped")
}

// Register adds a session to the interval schedule. fn is called from the
// ticker goroutine and must be safe for concurrent use.
func (c *Checkpointer) Register(sessionID string, fn SnapshotFunc) {
	c.mu.Lock()
	c.sources[sessionID] = fn
	c.mu.Unlock()
}

// Unregister removes a session from the interval schedule.
func (c *Checkpointer) Unregister(sessionID string) {
	c.mu.Lock()
	delete(c.sources, sessionID)
	c.mu.Unlock()
}

// Enqueue queues one checkpoint write. Never blocks; when the queue is full
// the oldest pending write is discarded to make room. Returns false only if
// the request itself could not be queued.
func (c *Checkpointer) Enqueue(snap models.SessionSnapshot, name string) bool {
	req := checkpointRequest{snapshot: snap, name: name}
	select {
	case c.queue <- req:
		return true
	default:
	}

	// Full: evict the oldest pending request, then retry once.
	select {
	case <-c.queue:
		metrics.CheckpointsDropped.Inc()
		c.logger.Warn("Checkpoint queue full, dropped oldest pending write",
			"session_id", snap.SessionID)
	default:
	}
	select {
	case c.queue <- req:
		return true
	default:
		metrics.CheckpointsDropped.Inc()
		return false
	}
}

func (c *Checkpointer) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.queue:
			c.write(req)
		case <-c.stopCh:
			// Drain what is already queued so a clean shutdown never loses
			// an accepted checkpoint.
			for {
				select {
				case req := <-c.queue:
					c.write(req)
				default:
					return
				}
			}
		}
	}
}

func (c *Checkpointer) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.snapshotRegistered()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checkpointer) snapshotRegistered() {
	c.mu.Lock()
	fns := make(map[string]SnapshotFunc, len(c.sources))
	for id, fn := range c.sources {
		fns[id] = fn
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.Enqueue(fn(), "interval")
	}
}

func (c *Checkpointer) write(req checkpointRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := c.cache.Checkpoint(ctx, req.snapshot, req.name)
	if err != nil {
		c.logger.Error("Checkpoint write failed",
			"session_id", req.snapshot.SessionID, "name", req.name, "error", err)
		return
	}
	if c.bus != nil {
		payload := events.StateCheckpointPayload{
			SessionID: req.snapshot.SessionID,
			Name:      req.name,
			Key:       key,
			Timestamp: time.Now().Format(time.RFC3339Nano),
		}
		c.bus.Publish(events.TopicSession(req.snapshot.SessionID), payload)
		c.bus.Publish(events.TopicGlobal, payload)
	}
}
