// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// ChoreConfig contains configurable values for statistics flushing.
type ChoreConfig struct {
	FlushInterval time.Duration `help:"the time between statistics flushes" releaseDefault:"10s" devDefault:"1s"`
	Enabled       bool          `help:"set if statistics flushing is enabled or not" default:"true"`
}

// Chore flushes buffered statistics on an interval and once more on
// shutdown.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	config  ChoreConfig
	service *Service

	Loop *sync2.Cycle
}

// NewChore creates a statistics flush chore.
func NewChore(log *zap.Logger, config ChoreConfig, service *Service) *Chore {
	return &Chore{
		log:     log,
		config:  config,
		service: service,

		Loop: sync2.NewCycle(config.FlushInterval),
	}
}

// Run starts the flush loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !chore.config.Enabled {
		return nil
	}

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.service.Flush(ctx); err != nil {
			chore.log.Error("statistics flush failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the flush loop and drains whatever is still buffered.
func (chore *Chore) Close() error {
	chore.Loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := chore.service.Flush(ctx); err != nil {
		chore.log.Error("final statistics flush failed", zap.Error(err))
	}
	return nil
}
