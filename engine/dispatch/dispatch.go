// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package dispatch tracks where channels are deployed and forwards raw
// messages to the instance that owns them.
package dispatch

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default dispatch errs class.
	Error = errs.Class("dispatch")
	// ErrNotDeployed is returned when no instance hosts the channel.
	ErrNotDeployed = errs.Class("channel not deployed")

	mon = monkit.Package()
)

// Deployment is one (channel, server) deployment row.
type Deployment struct {
	ChannelID  string
	ServerID   string
	Revision   int
	DeployedAt time.Time
}

// DB persists channel deployments.
//
// architecture: Database
type DB interface {
	// Upsert records that a server hosts a channel.
	Upsert(ctx context.Context, deployment Deployment) error
	// Delete removes one deployment row.
	Delete(ctx context.Context, channelID, serverID string) error
	// ServersFor answers which servers host the channel now.
	ServersFor(ctx context.Context, channelID string) ([]Deployment, error)
	// AllForServer returns every deployment of one server.
	AllForServer(ctx context.Context, serverID string) ([]Deployment, error)
	// DeleteAllForServer clears a server's deployments, for boot cleanup
	// after an unclean shutdown.
	DeleteAllForServer(ctx context.Context, serverID string) error
}
