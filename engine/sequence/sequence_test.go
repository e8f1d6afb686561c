// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package sequence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/sequence"
)

type fakeDB struct {
	mu       sync.Mutex
	counters map[string]int64
	fail     bool
	claims   int
}

func newFakeDB() *fakeDB {
	return &fakeDB{counters: map[string]int64{}}
}

func (db *fakeDB) ClaimBlock(ctx context.Context, channelID, serverID string, size int64) (int64, int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.fail {
		return 0, 0, errs.New("database down")
	}

	db.claims++
	current := db.counters[channelID]
	db.counters[channelID] = current + size
	return current + 1, current + size, nil
}

func (db *fakeDB) setFail(fail bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fail = fail
}

func TestAllocator_StrictlyIncreasing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	alloc := sequence.NewAllocator(zaptest.NewLogger(t), db, "server-1", sequence.Config{BlockSize: 3})

	var last int64
	for i := 0; i < 10; i++ {
		id, err := alloc.NextID(ctx, "channel-a")
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
	// 10 ids from blocks of 3 means 4 claims.
	require.Equal(t, 4, db.claims)
}

func TestAllocator_UniqueAcrossServers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	log := zaptest.NewLogger(t)
	allocA := sequence.NewAllocator(log, db, "server-a", sequence.Config{BlockSize: 5})
	allocB := sequence.NewAllocator(log, db, "server-b", sequence.Config{BlockSize: 5})

	seen := map[int64]bool{}
	for i := 0; i < 20; i++ {
		alloc := allocA
		if i%2 == 1 {
			alloc = allocB
		}
		id, err := alloc.NextID(ctx, "channel-a")
		require.NoError(t, err)
		require.False(t, seen[id], "id %d returned twice", id)
		seen[id] = true
	}
}

func TestAllocator_ConcurrentUnique(t *testing.T) {
	tctx := testcontext.New(t)
	defer tctx.Cleanup()

	db := newFakeDB()
	alloc := sequence.NewAllocator(zaptest.NewLogger(t), db, "server-1", sequence.Config{BlockSize: 7})

	const workers, perWorker = 8, 50

	var mu sync.Mutex
	seen := map[int64]bool{}

	for w := 0; w < workers; w++ {
		tctx.Go(func() error {
			for i := 0; i < perWorker; i++ {
				id, err := alloc.NextID(tctx, "channel-a")
				if err != nil {
					return err
				}
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					return errs.New("id %d returned twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	tctx.Wait()

	require.Len(t, seen, workers*perWorker)
}

func TestAllocator_ReleaseAbandonsTail(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	log := zaptest.NewLogger(t)
	alloc := sequence.NewAllocator(log, db, "server-1", sequence.Config{BlockSize: 3})

	// Consume one id out of [1, 3], abandon the rest.
	id, err := alloc.NextID(ctx, "channel-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	alloc.Release("channel-a")

	// A restarted allocator claims the next block; 2 and 3 are gaps.
	restarted := sequence.NewAllocator(log, db, "server-1", sequence.Config{BlockSize: 3})
	id, err = restarted.NextID(ctx, "channel-a")
	require.NoError(t, err)
	require.Equal(t, int64(4), id)
}

func TestAllocator_DBErrorConsumesNothing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	alloc := sequence.NewAllocator(zaptest.NewLogger(t), db, "server-1", sequence.Config{BlockSize: 2})

	id, err := alloc.NextID(ctx, "channel-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	id, err = alloc.NextID(ctx, "channel-a")
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	// Block exhausted; the claim for the next block fails.
	db.setFail(true)
	_, err = alloc.NextID(ctx, "channel-a")
	require.Error(t, err)

	db.setFail(false)
	id, err = alloc.NextID(ctx, "channel-a")
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
}

func TestAllocator_IndependentChannels(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	alloc := sequence.NewAllocator(zaptest.NewLogger(t), db, "server-1", sequence.Config{BlockSize: 10})

	idA, err := alloc.NextID(ctx, "channel-a")
	require.NoError(t, err)
	idB, err := alloc.NextID(ctx, "channel-b")
	require.NoError(t, err)

	require.Equal(t, int64(1), idA)
	require.Equal(t, int64(1), idB)
}
