// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// SweeperConfig contains configurable values for the stray node sweeper.
type SweeperConfig struct {
	Interval time.Duration `help:"the time between checks for stray registry rows" releaseDefault:"10m" devDefault:"30s"`
	Enabled  bool          `help:"set if stray registry rows are marked offline" default:"true"`
	// StaleFor is deliberately much longer than the heartbeat timeout so a
	// briefly unreachable instance still weighs against quorum.
	StaleFor time.Duration `help:"how long a node's heartbeat must be stale before it is marked offline" default:"1h"`
}

// Sweeper marks long-dead ONLINE rows OFFLINE so abandoned instances
// eventually leave the quorum voting set.
//
// architecture: Chore
type Sweeper struct {
	log     *zap.Logger
	config  SweeperConfig
	service *Service

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewSweeper creates the stray node sweeper.
func NewSweeper(log *zap.Logger, config SweeperConfig, service *Service) *Sweeper {
	return &Sweeper{
		log:     log,
		config:  config,
		service: service,

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

	return sweeper.Loop.Run(ctx, sweeper.sweep)
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

func (sweeper *Sweeper) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	nodes, err := sweeper.service.Nodes(ctx)
	if err != nil {
		return err
	}

	cutoff := sweeper.nowFn().Add(-sweeper.config.StaleFor)
	for _, node := range nodes {
		if node.Status != StatusOnline || node.LastHeartbeat.After(cutoff) {
			continue
		}
		if node.ServerID == sweeper.service.Local().ServerID {
			continue
		}
		if err := sweeper.service.db.SetStatus(ctx, node.ServerID, StatusOffline); err != nil {
			sweeper.log.Warn("marking stray node offline failed",
				zap.String("server", node.ServerID),
				zap.Error(err))
			continue
		}
		sweeper.log.Info("marked stray node offline",
			zap.String("server", node.ServerID),
			zap.Time("last heartbeat", node.LastHeartbeat))
	}
	return nil
}
