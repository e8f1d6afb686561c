// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/lease"
)

type fakeDB struct {
	mu     sync.Mutex
	rows   map[lease.Key]lease.Lease
	renews int
	fail   bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[lease.Key]lease.Lease{}}
}

func (db *fakeDB) Acquire(ctx context.Context, key lease.Key, serverID string, now, expires time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row, ok := db.rows[key]
	if ok && row.ServerID != serverID && row.ExpiresAt.After(now) {
		return false, nil
	}
	db.rows[key] = lease.Lease{
		ChannelID:   key.ChannelID,
		ConnectorID: key.ConnectorID,
		ServerID:    serverID,
		AcquiredAt:  now,
		ExpiresAt:   expires,
	}
	return true, nil
}

func (db *fakeDB) Renew(ctx context.Context, key lease.Key, serverID string, expires time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.fail {
		return false, errs.New("database down")
	}

	row, ok := db.rows[key]
	if !ok || row.ServerID != serverID {
		return false, nil
	}
	db.renews++
	row.ExpiresAt = expires
	db.rows[key] = row
	return true, nil
}

func (db *fakeDB) Release(ctx context.Context, key lease.Key, serverID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if row, ok := db.rows[key]; ok && row.ServerID == serverID {
		delete(db.rows, key)
	}
	return nil
}

func (db *fakeDB) All(ctx context.Context) ([]lease.Lease, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	all := make([]lease.Lease, 0, len(db.rows))
	for _, row := range db.rows {
		all = append(all, row)
	}
	return all, nil
}

func (db *fakeDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var deleted int64
	for key, row := range db.rows {
		if !row.ExpiresAt.After(now) {
			delete(db.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

func (db *fakeDB) owner(key lease.Key) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rows[key].ServerID
}

func (db *fakeDB) renewCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.renews
}

func (db *fakeDB) setFail(fail bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fail = fail
}

func (db *fakeDB) reassign(key lease.Key, serverID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row := db.rows[key]
	row.ServerID = serverID
	db.rows[key] = row
}

var testKey = lease.Key{ChannelID: "adt-feed", ConnectorID: 0}

func TestManager_AcquireExclusive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	log := zaptest.NewLogger(t)
	a := lease.NewManager(log, db, "server-a", lease.Config{TTL: 30 * time.Second})
	b := lease.NewManager(log, db, "server-b", lease.Config{TTL: 30 * time.Second})
	defer ctx.Check(a.Close)
	defer ctx.Check(b.Close)

	handle, err := a.Acquire(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, testKey, handle.Key())
	require.Equal(t, "server-a", db.owner(testKey))

	// Held by a live owner, b cannot take it.
	_, err = b.Acquire(ctx, testKey)
	require.True(t, lease.ErrHeld.Has(err))

	// Re-acquire by the owner succeeds.
	_, err = a.Acquire(ctx, testKey)
	require.NoError(t, err)
}

func TestManager_TakeoverAfterExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	log := zaptest.NewLogger(t)
	a := lease.NewManager(log, db, "server-a", lease.Config{TTL: 30 * time.Second})
	b := lease.NewManager(log, db, "server-b", lease.Config{TTL: 30 * time.Second})
	defer ctx.Check(a.Close)
	defer ctx.Check(b.Close)

	now := time.Now()
	a.TestingSetNow(func() time.Time { return now })
	b.TestingSetNow(func() time.Time { return now })

	_, err := a.Acquire(ctx, testKey)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, testKey)
	require.True(t, lease.ErrHeld.Has(err))

	// After the TTL has passed without renewal, b takes over.
	b.TestingSetNow(func() time.Time { return now.Add(31 * time.Second) })
	_, err = b.Acquire(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, "server-b", db.owner(testKey))
}

func TestManager_RenewalKeepsLease(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	manager := lease.NewManager(zaptest.NewLogger(t), db, "server-a", lease.Config{TTL: 90 * time.Millisecond})
	defer ctx.Check(manager.Close)

	handle, err := manager.Acquire(ctx, testKey)
	require.NoError(t, err)
	manager.StartRenewal(handle)

	// Several renewal intervals pass; the lease stays owned and unlost.
	time.Sleep(200 * time.Millisecond)
	require.Greater(t, db.renewCount(), 0)
	select {
	case <-handle.Lost():
		t.Fatal("lease unexpectedly lost")
	default:
	}
	require.Equal(t, "server-a", db.owner(testKey))
}

func TestManager_LostSurfaces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	manager := lease.NewManager(zaptest.NewLogger(t), db, "server-a", lease.Config{TTL: 90 * time.Millisecond})
	defer ctx.Check(manager.Close)

	handle, err := manager.Acquire(ctx, testKey)
	require.NoError(t, err)
	manager.StartRenewal(handle)

	// Another instance stole the row; the next renewal discovers the loss.
	db.reassign(testKey, "server-b")

	select {
	case <-handle.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lost event never fired")
	}
}

func TestManager_RenewErrorCedesAfterExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	manager := lease.NewManager(zaptest.NewLogger(t), db, "server-a", lease.Config{TTL: 90 * time.Millisecond})
	defer ctx.Check(manager.Close)

	handle, err := manager.Acquire(ctx, testKey)
	require.NoError(t, err)
	manager.StartRenewal(handle)

	// The database becomes unreachable. Once the expiry passes the holder
	// must cede rather than assume continued ownership.
	db.setFail(true)

	select {
	case <-handle.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("partitioned holder never ceded")
	}
}

func TestManager_Release(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	log := zaptest.NewLogger(t)
	a := lease.NewManager(log, db, "server-a", lease.Config{TTL: 30 * time.Second})
	b := lease.NewManager(log, db, "server-b", lease.Config{TTL: 30 * time.Second})
	defer ctx.Check(a.Close)
	defer ctx.Check(b.Close)

	handle, err := a.Acquire(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, handle))

	// Released leases are immediately acquirable.
	_, err = b.Acquire(ctx, testKey)
	require.NoError(t, err)

	all, err := b.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "server-b", all[0].ServerID)
}

func TestSweeper_DeletesExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	now := time.Now()
	db.rows[lease.Key{ChannelID: "old", ConnectorID: 0}] = lease.Lease{
		ChannelID: "old", ServerID: "s1", ExpiresAt: now.Add(-time.Minute),
	}
	db.rows[lease.Key{ChannelID: "live", ConnectorID: 0}] = lease.Lease{
		ChannelID: "live", ServerID: "s2", ExpiresAt: now.Add(time.Minute),
	}

	sweeper := lease.NewSweeper(zaptest.NewLogger(t), lease.SweeperConfig{
		Interval: time.Minute,
		Enabled:  true,
	}, db)
	sweeper.TestingSetNow(func() time.Time { return now })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return sweeper.Run(runCtx) })
	defer ctx.Check(sweeper.Close)

	sweeper.Loop.Pause()
	sweeper.Loop.TriggerWait()

	remaining, err := db.All(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "live", remaining[0].ChannelID)
}
