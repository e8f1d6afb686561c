// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package lease coordinates exclusive polling ownership across instances
// through database-serialized leases.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default lease errs class.
	Error = errs.Class("lease")
	// ErrHeld is returned when another live instance holds the lease.
	ErrHeld = errs.Class("lease held")

	mon = monkit.Package()
)

// Key identifies a lease: one source connector of one channel.
type Key struct {
	ChannelID   string
	ConnectorID int
}

// Lease is one lease row.
type Lease struct {
	ChannelID   string
	ConnectorID int
	ServerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// DB persists leases. The database serializes the conditional writes; the
// manager never relies on in-process state for mutual exclusion.
//
// architecture: Database
type DB interface {
	// Acquire inserts the lease, or steals it when the existing row has
	// expired. Reports whether this server now holds the lease.
	Acquire(ctx context.Context, key Key, serverID string, now, expires time.Time) (bool, error)
	// Renew extends the lease iff this server still owns it. Reports
	// whether ownership held.
	Renew(ctx context.Context, key Key, serverID string, expires time.Time) (bool, error)
	// Release deletes the lease iff this server owns it.
	Release(ctx context.Context, key Key, serverID string) error
	// All returns every lease row.
	All(ctx context.Context) ([]Lease, error)
	// DeleteExpired removes rows whose expiry has passed. Returns how many
	// were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds lease manager configuration. TTL mirrors the cluster
// environment setting.
type Config struct {
	TTL time.Duration
}

// Manager acquires and keeps leases alive for this instance.
//
// A held lease is renewed at a third of its TTL. When renewal discovers the
// lease was lost, the handle's Lost channel closes so the poller that
// depends on it can stop.
//
// architecture: Service
type Manager struct {
	log      *zap.Logger
	db       DB
	serverID string
	ttl      time.Duration

	nowFn func() time.Time

	mu   sync.Mutex
	held map[Key]*Handle
}

// NewManager creates a lease manager.
func NewManager(log *zap.Logger, db DB, serverID string, config Config) *Manager {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		log:      log,
		db:       db,
		serverID: serverID,
		ttl:      ttl,

		nowFn: time.Now,
		held:  map[Key]*Handle{},
	}
}

// Handle is a held lease.
type Handle struct {
	key     Key
	expires time.Time

	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	lostOnce sync.Once

	mu sync.Mutex
}

// Key returns the lease key.
func (handle *Handle) Key() Key { return handle.key }

// Lost is closed when the lease is discovered lost. The owner of the handle
// must stop polling when it fires.
func (handle *Handle) Lost() <-chan struct{} { return handle.lost }

func (handle *Handle) markLost() {
	handle.lostOnce.Do(func() { close(handle.lost) })
}

func (handle *Handle) stopRenewal() {
	handle.stopOnce.Do(func() { close(handle.stop) })
}

func (handle *Handle) expiresAt() time.Time {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.expires
}

func (handle *Handle) setExpires(at time.Time) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	handle.expires = at
}

// Acquire takes the lease for this server. It fails with ErrHeld when
// another live instance owns it.
func (manager *Manager) Acquire(ctx context.Context, key Key) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	now := manager.nowFn().UTC()
	expires := now.Add(manager.ttl)

	acquired, err := manager.db.Acquire(ctx, key, manager.serverID, now, expires)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !acquired {
		return nil, ErrHeld.New("%s/%d", key.ChannelID, key.ConnectorID)
	}

	handle := &Handle{
		key:     key,
		expires: expires,
		stop:    make(chan struct{}),
		lost:    make(chan struct{}),
	}

	manager.mu.Lock()
	manager.held[key] = handle
	manager.mu.Unlock()

	manager.log.Info("lease acquired",
		zap.String("channel", key.ChannelID),
		zap.Int("connector", key.ConnectorID))
	return handle, nil
}

// StartRenewal keeps the lease alive in the background until it is released
// or lost.
func (manager *Manager) StartRenewal(handle *Handle) {
	go manager.renewLoop(handle)
}

// Release stops renewal and deletes the lease iff still owned.
func (manager *Manager) Release(ctx context.Context, handle *Handle) (err error) {
	defer mon.Task()(&ctx)(&err)

	handle.stopRenewal()

	manager.mu.Lock()
	if manager.held[handle.key] == handle {
		delete(manager.held, handle.key)
	}
	manager.mu.Unlock()

	return Error.Wrap(manager.db.Release(ctx, handle.key, manager.serverID))
}

// All returns every lease row for operators.
func (manager *Manager) All(ctx context.Context) (_ []Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	leases, err := manager.db.All(ctx)
	return leases, Error.Wrap(err)
}

// TTL returns the configured lease TTL.
func (manager *Manager) TTL() time.Duration { return manager.ttl }

// Close stops every renewal loop. Held leases are left to expire; the next
// boot or another instance takes them over.
func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	for _, handle := range manager.held {
		handle.stopRenewal()
	}
	manager.held = map[Key]*Handle{}
	return nil
}

// TestingSetNow allows tests to have the manager act as if the current time is whatever they want.
func (manager *Manager) TestingSetNow(nowFn func() time.Time) {
	manager.nowFn = nowFn
}

func (manager *Manager) renewLoop(handle *Handle) {
	interval := manager.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
			if !manager.renewOnce(handle) {
				return
			}
		}
	}
}

// renewOnce returns false when the loop must stop.
func (manager *Manager) renewOnce(handle *Handle) bool {
	ctx, cancel := context.WithTimeout(context.Background(), manager.ttl)
	defer cancel()

	now := manager.nowFn().UTC()
	ok, err := manager.db.Renew(ctx, handle.key, manager.serverID, now.Add(manager.ttl))
	if err != nil {
		// Renewal may be down transiently. Once the expiry passes we can no
		// longer claim ownership and must cede.
		manager.log.Warn("lease renewal failed",
			zap.String("channel", handle.key.ChannelID),
			zap.Int("connector", handle.key.ConnectorID),
			zap.Error(err))
		if manager.nowFn().UTC().After(handle.expiresAt()) {
			manager.lose(handle)
			return false
		}
		return true
	}
	if !ok {
		manager.lose(handle)
		return false
	}

	handle.setExpires(now.Add(manager.ttl))
	return true
}

func (manager *Manager) lose(handle *Handle) {
	manager.mu.Lock()
	if manager.held[handle.key] == handle {
		delete(manager.held, handle.key)
	}
	manager.mu.Unlock()

	handle.markLost()
	mon.Counter("lease_lost").Inc(1)
	manager.log.Warn("lease lost",
		zap.String("channel", handle.key.ChannelID),
		zap.Int("connector", handle.key.ConnectorID))
}
