// Package queue implements the durable, size-bounded outbound request queue.
// Entries survive process restarts through the storage layer and are drained
// opportunistically: on reconnect, on successful authentication and on a
// periodic schedule.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/storage"
)

// SendResult is the outcome of replaying one queued request.
type SendResult struct {
	// Success means the request went through and the entry can be dropped.
	Success bool

	// Queued means the sender re-queued the entry itself (e.g. transport
	// failure mid-drain); such entries are not kept a second time.
	Queued bool
}

// Sender replays a queued request. Implemented by the gateway.
type Sender interface {
	Send(ctx context.Context, req model.QueuedRequest) SendResult
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, req model.QueuedRequest) SendResult

func (f SenderFunc) Send(ctx context.Context, req model.QueuedRequest) SendResult {
	return f(ctx, req)
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Queue is the persistent FIFO of pending outbound calls.
type Queue struct {
	store  *storage.Store
	logger logging.Logger

	// drainMu serializes drain passes; concurrent enqueues are fine.
	drainMu sync.Mutex
}

// New returns a Queue backed by the given store.
func New(store *storage.Store, logger logging.Logger) *Queue {
	return &Queue{
		store:  store,
		logger: logger.With(logging.Field{Key: "component", Value: "queue"}),
	}
}

// Enqueue appends a request. When the cap is exceeded the oldest entry is
// evicted, never the new one.
func (q *Queue) Enqueue(ctx context.Context, method, endpoint string, body []byte) error {
	req := model.QueuedRequest{
		ID:        uuid.New().String(),
		Method:    method,
		Endpoint:  endpoint,
		Body:      body,
		Timestamp: time.Now(),
	}
	if err := q.store.QueueAppend(ctx, req); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", method, endpoint, err)
	}
	q.logger.Debug("queued offline request",
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "endpoint", Value: endpoint})
	return nil
}

// Len returns the current queue length.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.QueueLen(ctx)
}

// Drain snapshots the queue, clears it, then replays every entry in enqueue
// order through send. Entries that succeed are dropped. Entries that fail and
// were not re-queued by the sender are kept, in original order, for the next
// pass. The final persisted state is exactly the surviving failed entries;
// anything the sender re-queued mid-replay is superseded.
func (q *Queue) Drain(ctx context.Context, send Sender) (DrainStats, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	snapshot, err := q.store.QueueSnapshot(ctx)
	if err != nil {
		return DrainStats{}, fmt.Errorf("snapshot queue: %w", err)
	}
	if len(snapshot) == 0 {
		return DrainStats{}, nil
	}
	if err := q.store.QueueReplace(ctx, nil); err != nil {
		return DrainStats{}, fmt.Errorf("clear queue: %w", err)
	}

	q.logger.Info("draining offline queue", logging.Field{Key: "pending", Value: len(snapshot)})

	var kept []model.QueuedRequest
	stats := DrainStats{Processed: len(snapshot)}
	for _, req := range snapshot {
		res := send.Send(ctx, req)
		switch {
		case res.Success:
			stats.Succeeded++
		case !res.Queued:
			kept = append(kept, req)
		}
	}
	stats.Failed = len(kept)

	if err := q.store.QueueReplace(ctx, kept); err != nil {
		return stats, fmt.Errorf("persist surviving entries: %w", err)
	}

	q.logger.Info("queue drain finished",
		logging.Field{Key: "succeeded", Value: stats.Succeeded},
		logging.Field{Key: "failed", Value: stats.Failed})
	return stats, nil
}
