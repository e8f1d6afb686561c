// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/msgstore/teststore"
)

func queueItem(messageID int64) msgstore.QueueItem {
	return msgstore.QueueItem{ChannelID: "c1", MessageID: messageID, MetadataID: 1}
}

func TestQueuePollOrderAndCheckout(t *testing.T) {
	queue := channel.NewQueue(teststore.New(), "c1", 1, 10)

	queue.Add(queueItem(1))
	queue.Add(queueItem(2))
	queue.Add(queueItem(3))
	// Adding a buffered id again is a no-op.
	queue.Add(queueItem(2))
	require.Equal(t, 3, queue.Size())

	for want := int64(1); want <= 3; want++ {
		item, ok := queue.Poll()
		require.True(t, ok)
		require.Equal(t, want, item.MessageID)
	}
	// Everything is checked out; nothing left to hand over.
	_, ok := queue.Poll()
	require.False(t, ok)

	queue.Finish(1)
	require.Equal(t, 2, queue.Size())
	_, ok = queue.Poll()
	require.False(t, ok)
}

func TestQueueClaimThenRotate(t *testing.T) {
	queue := channel.NewQueue(teststore.New(), "c1", 1, 10)

	// A claimed item is invisible to workers until it fails.
	queue.Claim(7)
	_, ok := queue.Poll()
	require.False(t, ok)

	queue.Rotate(7, 0)
	item, ok := queue.Poll()
	require.True(t, ok)
	require.Equal(t, msgstore.QueueItem{ChannelID: "c1", MessageID: 7, MetadataID: 1}, item)
}

func TestQueueRotateDelaysRetry(t *testing.T) {
	queue := channel.NewQueue(teststore.New(), "c1", 1, 10)

	now := time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)
	queue.TestingSetNow(func() time.Time { return now })

	queue.Add(queueItem(1))
	_, ok := queue.Poll()
	require.True(t, ok)

	queue.Rotate(1, time.Minute)
	_, ok = queue.Poll()
	require.False(t, ok)

	now = now.Add(61 * time.Second)
	item, ok := queue.Poll()
	require.True(t, ok)
	require.Equal(t, int64(1), item.MessageID)
}

func TestQueueRefillsFromStore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, db.UpsertConnectorMessage(ctx, msgstore.ConnectorMessage{
			ChannelID: "c1", MessageID: id, MetadataID: 1, Status: msgstore.StatusQueued,
		}))
	}
	// Another destination's work and finished work stay out of this queue.
	require.NoError(t, db.UpsertConnectorMessage(ctx, msgstore.ConnectorMessage{
		ChannelID: "c1", MessageID: 4, MetadataID: 2, Status: msgstore.StatusQueued,
	}))
	require.NoError(t, db.UpsertConnectorMessage(ctx, msgstore.ConnectorMessage{
		ChannelID: "c1", MessageID: 5, MetadataID: 1, Status: msgstore.StatusSent,
	}))

	queue := channel.NewQueue(db, "c1", 1, 10)

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), pending)

	for want := int64(1); want <= 3; want++ {
		item, ok := queue.PollTimeout(ctx, time.Second)
		require.True(t, ok)
		require.Equal(t, want, item.MessageID)
	}
	_, ok := queue.PollTimeout(ctx, 100*time.Millisecond)
	require.False(t, ok)
}

func TestQueueStopUnblocksPoll(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := channel.NewQueue(teststore.New(), "c1", 1, 10)

	ctx.Go(func() error {
		if _, ok := queue.PollTimeout(ctx, time.Minute); ok {
			return errs.New("poll returned an item from an empty queue")
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	queue.Stop()
	ctx.Wait()

	// A stopped queue refuses further polls immediately.
	_, ok := queue.PollTimeout(ctx, time.Minute)
	require.False(t, ok)
}

func TestQueueAddWakesPoller(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := channel.NewQueue(teststore.New(), "c1", 1, 10)
	polled := make(chan msgstore.QueueItem, 1)

	ctx.Go(func() error {
		item, ok := queue.PollTimeout(ctx, time.Minute)
		if !ok {
			return errs.New("poller timed out")
		}
		polled <- item
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	queue.Add(queueItem(42))
	ctx.Wait()

	require.Equal(t, int64(42), (<-polled).MessageID)
}

func TestQueueCapacityBounds(t *testing.T) {
	queue := channel.NewQueue(teststore.New(), "c1", 1, 2)

	queue.Add(queueItem(1))
	queue.Add(queueItem(2))
	// The buffer is full; the store keeps the overflow for a later refill.
	queue.Add(queueItem(3))
	require.Equal(t, 2, queue.Size())
}
