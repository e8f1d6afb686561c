// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

// QueueDB is the durable backing of a queue: the QUEUED connector-message
// rows of one destination.
type QueueDB interface {
	ReadQueued(ctx context.Context, channelID string, metadataID int, afterID int64, limit int) ([]msgstore.QueueItem, error)
	PendingQueued(ctx context.Context, channelID string, metadataID int) (int64, error)
}

type queuedItem struct {
	msgstore.QueueItem
	notBefore time.Time
}

// Queue hands queued work items to destination workers. The store is the
// source of truth; the queue keeps a capped in-memory window over it and
// guarantees per-item at-most-once concurrent handoff within the process
// through its checked-out set.
type Queue struct {
	db         QueueDB
	channelID  string
	metadataID int
	capacity   int

	nowFn func() time.Time

	mu         sync.Mutex
	items      []queuedItem
	buffered   map[int64]struct{}
	checkedOut map[int64]struct{}
	watermark  int64
	signal     chan struct{}
	stopped    bool

	stop chan struct{}
}

// NewQueue creates a queue for one destination.
func NewQueue(db QueueDB, channelID string, metadataID, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1000
	}
	return &Queue{
		db:         db,
		channelID:  channelID,
		metadataID: metadataID,
		capacity:   capacity,

		nowFn: time.Now,

		buffered:   map[int64]struct{}{},
		checkedOut: map[int64]struct{}{},
		signal:     make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// Add appends a freshly queued item and wakes a waiting poller. When the
// buffer is full the item is dropped here and picked up later by a refill;
// the store already has it.
func (queue *Queue) Add(item msgstore.QueueItem) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if _, ok := queue.buffered[item.MessageID]; ok {
		return
	}
	if len(queue.items) >= queue.capacity {
		return
	}
	queue.appendLocked(item, time.Time{})
	queue.wakeLocked()
}

// Claim marks an item checked out without buffering it, so a pipeline
// processing the item inline cannot race a queue worker over it.
func (queue *Queue) Claim(messageID int64) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.buffered[messageID] = struct{}{}
	queue.checkedOut[messageID] = struct{}{}
}

// Poll returns the next eligible item and checks it out. It reports false
// when nothing is ready right now.
func (queue *Queue) Poll() (msgstore.QueueItem, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.pollLocked()
}

// PollTimeout waits up to timeout for an eligible item, refilling the
// buffer from the store when it runs dry. It returns early when the queue
// stops or the context is canceled.
func (queue *Queue) PollTimeout(ctx context.Context, timeout time.Duration) (msgstore.QueueItem, bool) {
	deadline := queue.nowFn().Add(timeout)
	for {
		queue.mu.Lock()
		if queue.stopped {
			queue.mu.Unlock()
			return msgstore.QueueItem{}, false
		}
		if item, ok := queue.pollLocked(); ok {
			queue.mu.Unlock()
			return item, true
		}
		empty := len(queue.items) == 0
		signal := queue.signal
		wait := queue.waitLocked(deadline)
		queue.mu.Unlock()

		if empty {
			if queue.refill(ctx) {
				continue
			}
		}
		if wait <= 0 {
			return msgstore.QueueItem{}, false
		}

		timer := time.NewTimer(wait)
		select {
		case <-signal:
			timer.Stop()
		case <-timer.C:
		case <-queue.stop:
			timer.Stop()
			return msgstore.QueueItem{}, false
		case <-ctx.Done():
			timer.Stop()
			return msgstore.QueueItem{}, false
		}
	}
}

// Finish removes a completed item from the buffer and the checked-out set.
func (queue *Queue) Finish(messageID int64) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	delete(queue.checkedOut, messageID)
	delete(queue.buffered, messageID)
	for i, item := range queue.items {
		if item.MessageID == messageID {
			queue.items = append(queue.items[:i], queue.items[i+1:]...)
			break
		}
	}
}

// Rotate releases a failed item back to the tail of the queue, eligible
// again after delay.
func (queue *Queue) Rotate(messageID int64, delay time.Duration) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	delete(queue.checkedOut, messageID)
	notBefore := queue.nowFn().Add(delay)
	for i, item := range queue.items {
		if item.MessageID == messageID {
			queue.items = append(queue.items[:i], queue.items[i+1:]...)
			queue.items = append(queue.items, queuedItem{QueueItem: item.QueueItem, notBefore: notBefore})
			queue.wakeLocked()
			return
		}
	}
	// The item was claimed without buffering; enqueue it now.
	if len(queue.items) < queue.capacity {
		queue.items = append(queue.items, queuedItem{
			QueueItem: msgstore.QueueItem{
				ChannelID:  queue.channelID,
				MessageID:  messageID,
				MetadataID: queue.metadataID,
			},
			notBefore: notBefore,
		})
		queue.buffered[messageID] = struct{}{}
		queue.wakeLocked()
		return
	}
	delete(queue.buffered, messageID)
}

// Size returns the number of buffered items.
func (queue *Queue) Size() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.items)
}

// Pending returns the number of queued rows in the store.
func (queue *Queue) Pending(ctx context.Context) (int64, error) {
	return queue.db.PendingQueued(ctx, queue.channelID, queue.metadataID)
}

// Stop wakes every waiting poller and refuses further polls.
func (queue *Queue) Stop() {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.stopped {
		return
	}
	queue.stopped = true
	close(queue.stop)
}

// TestingSetNow allows tests to have the queue act as if the current time is whatever they want.
func (queue *Queue) TestingSetNow(nowFn func() time.Time) {
	queue.nowFn = nowFn
}

func (queue *Queue) pollLocked() (msgstore.QueueItem, bool) {
	now := queue.nowFn()
	for _, item := range queue.items {
		if _, out := queue.checkedOut[item.MessageID]; out {
			continue
		}
		if item.notBefore.After(now) {
			continue
		}
		queue.checkedOut[item.MessageID] = struct{}{}
		return item.QueueItem, true
	}
	return msgstore.QueueItem{}, false
}

// waitLocked returns how long a poller should wait: until the deadline,
// or until the earliest rotated item becomes eligible, whichever is first.
func (queue *Queue) waitLocked(deadline time.Time) time.Duration {
	now := queue.nowFn()
	wait := deadline.Sub(now)
	for _, item := range queue.items {
		if _, out := queue.checkedOut[item.MessageID]; out {
			continue
		}
		if until := item.notBefore.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	return wait
}

func (queue *Queue) appendLocked(item msgstore.QueueItem, notBefore time.Time) {
	queue.items = append(queue.items, queuedItem{QueueItem: item, notBefore: notBefore})
	queue.buffered[item.MessageID] = struct{}{}
	if item.MessageID > queue.watermark {
		queue.watermark = item.MessageID
	}
}

func (queue *Queue) wakeLocked() {
	close(queue.signal)
	queue.signal = make(chan struct{})
}

// refill loads queued rows the buffer has not seen yet. It reports whether
// anything new arrived.
func (queue *Queue) refill(ctx context.Context) bool {
	queue.mu.Lock()
	afterID := queue.watermark
	limit := queue.capacity - len(queue.items)
	queue.mu.Unlock()
	if limit <= 0 {
		return false
	}

	rows, err := queue.db.ReadQueued(ctx, queue.channelID, queue.metadataID, afterID, limit)
	if err != nil || len(rows) == 0 {
		return false
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	added := false
	for _, row := range rows {
		if _, ok := queue.buffered[row.MessageID]; ok {
			if row.MessageID > queue.watermark {
				queue.watermark = row.MessageID
			}
			continue
		}
		if len(queue.items) >= queue.capacity {
			break
		}
		queue.appendLocked(row, time.Time{})
		added = true
	}
	if added {
		queue.wakeLocked()
	}
	return added
}
