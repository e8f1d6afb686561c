// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package lease

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// SweeperConfig contains configurable values for the expired lease sweeper.
type SweeperConfig struct {
	Interval time.Duration `help:"the time between expired lease sweeps" releaseDefault:"1m" devDefault:"10s"`
	Enabled  bool          `help:"set if expired leases are deleted" default:"true"`
}

// Sweeper deletes expired lease rows. Expired rows are already stealable,
// the sweeper only keeps the table tidy for operators.
//
// architecture: Chore
type Sweeper struct {
	log    *zap.Logger
	config SweeperConfig
	db     DB

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewSweeper creates the expired lease sweeper.
func NewSweeper(log *zap.Logger, config SweeperConfig, db DB) *Sweeper {
	return &Sweeper{
		log:    log,
		config: config,
		db:     db,

		nowFn: time.Now,
		Loop:  sync2.NewCycle(config.Interval),
	}
}

// Run starts the sweep loop.
func (sweeper *Sweeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !sweeper.config.Enabled {
		return nil
	}

	return sweeper.Loop.Run(ctx, func(ctx context.Context) error {
		deleted, err := sweeper.db.DeleteExpired(ctx, sweeper.nowFn().UTC())
		if err != nil {
			sweeper.log.Warn("expired lease sweep failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			sweeper.log.Debug("deleted expired leases", zap.Int64("count", deleted))
		}
		return nil
	})
}

// Close stops the sweep loop.
func (sweeper *Sweeper) Close() error {
	sweeper.Loop.Close()
	return nil
}

// TestingSetNow allows tests to have the sweeper act as if the current time is whatever they want.
func (sweeper *Sweeper) TestingSetNow(nowFn func() time.Time) {
	sweeper.nowFn = nowFn
}
