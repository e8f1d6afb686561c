// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/identity"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

// AcquireSource implements channel.SourceGate: the operating mode decides
// whether the source may run at all, and polling sources in exclusive
// polling mode additionally need the cluster lease.
func (controller *Controller) AcquireSource(ctx context.Context, config channel.Config) (run bool, lost <-chan struct{}, release func(), err error) {
	defer mon.Task()(&ctx)(&err)

	if !controller.modes.SourceAllowed(config.ID, config.Name) {
		controller.log.Info("source suppressed by operating mode",
			zap.String("channel_id", config.ID),
			zap.String("mode", controller.modes.Mode()))
		return false, nil, nil, nil
	}

	entry := controller.entry(config.ID)
	polling := entry != nil && entry.polling
	if !polling {
		return true, nil, nil, nil
	}

	if !controller.modes.PollingAllowed(config.ID, config.Name) {
		controller.log.Info("polling suppressed by operating mode",
			zap.String("channel_id", config.ID),
			zap.String("mode", controller.modes.Mode()))
		return false, nil, nil, nil
	}

	if controller.leases == nil || !controller.cluster.Enabled || controller.cluster.PollingMode == identity.PollingAll {
		return true, nil, nil, nil
	}

	handle, err := controller.leases.Acquire(ctx, lease.Key{
		ChannelID:   config.ID,
		ConnectorID: msgstore.SourceMetadataID,
	})
	if err != nil {
		if lease.ErrHeld.Has(err) {
			controller.log.Info("polling lease held by another instance",
				zap.String("channel_id", config.ID))
			return false, nil, nil, nil
		}
		return false, nil, nil, Error.Wrap(err)
	}
	controller.leases.StartRenewal(handle)

	release = func() {
		if err := controller.leases.Release(context.Background(), handle); err != nil {
			controller.log.Warn("polling lease release failed",
				zap.String("channel_id", config.ID),
				zap.Error(err))
		}
	}
	return true, handle.Lost(), release, nil
}
