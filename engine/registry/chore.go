// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package registry

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore keeps this instance's registry heartbeat fresh.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	service *Service

	Loop *sync2.Cycle
}

// NewChore creates the heartbeat chore.
func NewChore(log *zap.Logger, service *Service) *Chore {
	return &Chore{
		log:     log,
		service: service,

		Loop: sync2.NewCycle(service.config.HeartbeatInterval),
	}
}

// Run registers the instance and then heartbeats until canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := chore.service.Register(ctx); err != nil {
		return err
	}

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.service.Heartbeat(ctx); err != nil {
			// A missed beat is survivable; the next one may reach the
			// database again.
			chore.log.Warn("heartbeat failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the heartbeat loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
