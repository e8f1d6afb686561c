// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package dispatch

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/registry"
)

// Service resolves channel ownership and forwards raw messages to the
// owning instance.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       DB
	client   *Client
	nodes    *registry.Service
	serverID string

	nowFn func() time.Time
}

// NewService creates a dispatch service.
func NewService(log *zap.Logger, db DB, client *Client, nodes *registry.Service, serverID string) *Service {
	return &Service{
		log:      log,
		db:       db,
		client:   client,
		nodes:    nodes,
		serverID: serverID,

		nowFn: time.Now,
	}
}

// RecordDeployment marks the channel as hosted by this server.
func (service *Service) RecordDeployment(ctx context.Context, channelID string, revision int) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(service.db.Upsert(ctx, Deployment{
		ChannelID:  channelID,
		ServerID:   service.serverID,
		Revision:   revision,
		DeployedAt: service.nowFn().UTC(),
	}))
}

// RemoveDeployment clears this server's deployment row for the channel.
func (service *Service) RemoveDeployment(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(service.db.Delete(ctx, channelID, service.serverID))
}

// CleanupServer clears every deployment row of this server. Called at boot
// to drop rows left behind by an unclean shutdown.
func (service *Service) CleanupServer(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(service.db.DeleteAllForServer(ctx, service.serverID))
}

// ServersFor answers which servers host the channel now.
func (service *Service) ServersFor(ctx context.Context, channelID string) (_ []Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	deployments, err := service.db.ServersFor(ctx, channelID)
	return deployments, Error.Wrap(err)
}

// RemotePeers returns the alive peers hosting the channel, excluding this
// server.
func (service *Service) RemotePeers(ctx context.Context, channelID string) (_ []registry.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	deployments, err := service.db.ServersFor(ctx, channelID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var peers []registry.Node
	for _, deployment := range deployments {
		if deployment.ServerID == service.serverID {
			continue
		}
		node, err := service.nodes.Node(ctx, deployment.ServerID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if node == nil || node.APIURL == "" {
			continue
		}
		alive, err := service.nodes.IsAlive(ctx, deployment.ServerID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if alive {
			peers = append(peers, *node)
		}
	}
	return peers, nil
}

// DispatchRemote forwards a raw message to an alive peer hosting the
// channel. Peers are tried in order; the first success wins.
func (service *Service) DispatchRemote(ctx context.Context, channelID string, rawData []byte, sourceMap map[string]any) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	peers, err := service.RemotePeers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrNotDeployed.New("%s", channelID)
	}

	request := Request{
		ChannelID: channelID,
		RawData:   string(rawData),
		SourceMap: sourceMap,
	}

	var failures errs.Group
	for _, peer := range peers {
		result, err := service.client.Dispatch(ctx, peer.APIURL, request)
		if err != nil {
			service.log.Warn("remote dispatch failed",
				zap.String("channel", channelID),
				zap.String("peer", peer.ServerID),
				zap.Error(err))
			failures.Add(err)
			continue
		}
		mon.Counter("remote_dispatch_success").Inc(1)
		return result, nil
	}

	mon.Counter("remote_dispatch_failure").Inc(1)
	return nil, Error.Wrap(failures.Err())
}

// TestingSetNow allows tests to have the service act as if the current time is whatever they want.
func (service *Service) TestingSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}
