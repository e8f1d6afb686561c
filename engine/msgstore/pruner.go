// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package msgstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// PruneSetting is one channel's retention policy.
type PruneSetting struct {
	ChannelID string
	// KeepFor is how long processed messages are retained. Zero keeps them
	// forever.
	KeepFor time.Duration
}

// RetentionSource provides the retention policies of deployed channels.
type RetentionSource interface {
	PruneSettings() []PruneSetting
}

// PrunerConfig contains configurable values for message pruning.
type PrunerConfig struct {
	Interval  time.Duration `help:"the time between message pruning passes" releaseDefault:"1h" devDefault:"1m"`
	Enabled   bool          `help:"set if message pruning is enabled or not" default:"true"`
	BatchSize int           `help:"how many messages to delete per channel in one pass" default:"1000"`
}

// Pruner deletes processed messages that have outlived their channel's
// retention policy.
//
// architecture: Chore
type Pruner struct {
	log       *zap.Logger
	config    PrunerConfig
	db        DB
	retention RetentionSource

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewPruner creates a message pruner.
func NewPruner(log *zap.Logger, config PrunerConfig, db DB, retention RetentionSource) *Pruner {
	return &Pruner{
		log:       log,
		config:    config,
		db:        db,
		retention: retention,

		nowFn: time.Now,
		Loop:  sync2.NewCycle(config.Interval),
	}
}

// Run starts the pruning loop.
func (pruner *Pruner) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !pruner.config.Enabled {
		return nil
	}

	return pruner.Loop.Run(ctx, pruner.prune)
}

// Close stops the pruning loop.
func (pruner *Pruner) Close() error {
	pruner.Loop.Close()
	return nil
}

// TestingSetNow allows tests to have the pruner act as if the current time is whatever they want.
func (pruner *Pruner) TestingSetNow(nowFn func() time.Time) {
	pruner.nowFn = nowFn
}

func (pruner *Pruner) prune(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, setting := range pruner.retention.PruneSettings() {
		if setting.KeepFor <= 0 {
			continue
		}

		olderThan := pruner.nowFn().Add(-setting.KeepFor)
		deleted, err := pruner.db.PruneMessages(ctx, setting.ChannelID, olderThan, pruner.config.BatchSize)
		if err != nil {
			pruner.log.Error("pruning failed",
				zap.String("channel", setting.ChannelID),
				zap.Error(err))
			continue
		}
		if deleted > 0 {
			pruner.log.Debug("pruned messages",
				zap.String("channel", setting.ChannelID),
				zap.Int64("deleted", deleted))
			mon.Counter("pruned_messages").Inc(deleted)
		}
	}
	return nil
}
