// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package health tracks process liveness and readiness for the engine.
package health

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the health package.
	Error = errs.Class("health")
)

// QuorumSource reports whether this server currently sees a cluster quorum.
type QuorumSource interface {
	// HasQuorum returns true when enough servers are alive for this server
	// to consider itself part of the majority partition.
	HasQuorum(ctx context.Context) (bool, error)
}

// ChannelStates reports the lifecycle state of deployed channels.
type ChannelStates interface {
	// ChannelRunning returns whether the channel is deployed and started.
	// The second return is false when the channel is not deployed at all.
	ChannelRunning(channelID string) (running, deployed bool)
}

// Service answers liveness, readiness and startup probes.
//
// Liveness is unconditional: a process that can answer is alive. Readiness
// requires startup to have finished, shutdown to not have begun, and the
// cluster quorum (when one is configured) to be held. Startup flips exactly
// once, after the deploy-on-boot pass finishes.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	quorum QuorumSource

	mu              sync.Mutex
	startupComplete bool
	shuttingDown    bool
}

// NewService creates a health service. quorum may be nil when the server
// runs standalone.
func NewService(log *zap.Logger, quorum QuorumSource) *Service {
	return &Service{
		log:    log,
		quorum: quorum,
	}
}

// Live reports process liveness. It never fails: reaching this method is
// the proof.
func (service *Service) Live(ctx context.Context) bool {
	return true
}

// Startup reports whether the boot sequence, including deploy-on-startup,
// has completed.
func (service *Service) Startup(ctx context.Context) bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.startupComplete
}

// Ready reports whether this server should receive traffic.
func (service *Service) Ready(ctx context.Context) bool {
	var err error
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	started, stopping := service.startupComplete, service.shuttingDown
	service.mu.Unlock()

	if !started || stopping {
		return false
	}
	if service.quorum == nil {
		return true
	}

	has, err := service.quorum.HasQuorum(ctx)
	if err != nil {
		service.log.Warn("quorum check failed", zap.Error(err))
		return false
	}
	if !has {
		mon.Event("health_quorum_lost")
	}
	return has
}

// SetStartupComplete marks the boot sequence as finished.
func (service *Service) SetStartupComplete() {
	service.mu.Lock()
	defer service.mu.Unlock()
	if !service.startupComplete {
		service.log.Info("startup complete")
	}
	service.startupComplete = true
}

// BeginShutdown marks the server as draining. Readiness fails from this
// point on so load balancers stop routing new work here, while in-flight
// messages finish.
func (service *Service) BeginShutdown() {
	service.mu.Lock()
	defer service.mu.Unlock()
	if !service.shuttingDown {
		service.log.Info("shutdown begun, readiness now failing")
	}
	service.shuttingDown = true
}

// ShuttingDown reports whether BeginShutdown has been called.
func (service *Service) ShuttingDown() bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.shuttingDown
}
