// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package registry tracks the engine instances sharing one database and
// computes cluster quorum from their heartbeats.
package registry

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default registry errs class.
	Error = errs.Class("registry")

	mon = monkit.Package()
)

// Server statuses stored in d_servers. The legacy peer writes the same
// strings.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusShadow  = "SHADOW"
)

// Node is one registered engine instance.
type Node struct {
	ServerID      string
	Hostname      string
	Port          int
	APIURL        string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Status        string
}

// DB persists the server registry.
//
// architecture: Database
type DB interface {
	// Upsert inserts or replaces a node row.
	Upsert(ctx context.Context, node Node) error
	// UpdateHeartbeat refreshes last_heartbeat. Reports whether the row
	// existed.
	UpdateHeartbeat(ctx context.Context, serverID string, at time.Time) (bool, error)
	// SetStatus updates the status of a node.
	SetStatus(ctx context.Context, serverID, status string) error
	// Get returns a node or nil when absent.
	Get(ctx context.Context, serverID string) (*Node, error)
	// All returns every registered node.
	All(ctx context.Context) ([]Node, error)
}

// Config holds registry configuration. The values mirror the cluster
// environment settings.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QuorumEnabled     bool
}

// QuorumStatus is the result of a quorum computation.
type QuorumStatus struct {
	Total       int
	Alive       int
	MinRequired int
	Has         bool
}

// Service registers this instance, answers liveness questions about peers,
// and computes quorum.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	self   Node
	config Config

	nowFn func() time.Time
}

// NewService creates a registry service. The self node carries the identity
// this instance registers under, including its initial status.
func NewService(log *zap.Logger, db DB, self Node, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		self:   self,
		config: config,

		nowFn: time.Now,
	}
}

// Local returns the node this instance registers as.
func (service *Service) Local() Node { return service.self }

// Register upserts this instance's row. Repeated calls refresh the
// heartbeat.
func (service *Service) Register(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	node := service.self
	node.LastHeartbeat = service.nowFn().UTC()
	return Error.Wrap(service.db.Upsert(ctx, node))
}

// Heartbeat refreshes this instance's last_heartbeat, re-registering when
// the row has gone missing.
func (service *Service) Heartbeat(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	found, err := service.db.UpdateHeartbeat(ctx, service.self.ServerID, service.nowFn().UTC())
	if err != nil {
		return Error.Wrap(err)
	}
	if !found {
		service.log.Warn("registry row missing, re-registering")
		return service.Register(ctx)
	}
	return nil
}

// Deregister marks this instance OFFLINE. Heartbeats must stop after this
// call, not before.
func (service *Service) Deregister(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(service.db.SetStatus(ctx, service.self.ServerID, StatusOffline))
}

// Nodes returns every registered node.
func (service *Service) Nodes(ctx context.Context) (_ []Node, err error) {
	defer mon.Task()(&ctx)(&err)

	nodes, err := service.db.All(ctx)
	return nodes, Error.Wrap(err)
}

// Node returns one node or nil when absent.
func (service *Service) Node(ctx context.Context, serverID string) (_ *Node, err error) {
	defer mon.Task()(&ctx)(&err)

	node, err := service.db.Get(ctx, serverID)
	return node, Error.Wrap(err)
}

// IsAlive reports whether the node is ONLINE with a fresh heartbeat.
func (service *Service) IsAlive(ctx context.Context, serverID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	node, err := service.db.Get(ctx, serverID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if node == nil {
		return false, nil
	}
	return service.alive(*node), nil
}

// OfflineNodes returns nodes still marked ONLINE whose heartbeat has
// expired.
func (service *Service) OfflineNodes(ctx context.Context) (_ []Node, err error) {
	defer mon.Task()(&ctx)(&err)

	nodes, err := service.db.All(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var offline []Node
	for _, node := range nodes {
		if node.Status == StatusOnline && !service.alive(node) {
			offline = append(offline, node)
		}
	}
	return offline, nil
}

// Quorum computes the cluster quorum. Total counts ONLINE and SHADOW rows;
// alive counts ONLINE rows with fresh heartbeats; quorum holds when alive
// reaches a majority of total. With quorum enforcement disabled the result
// always holds.
func (service *Service) Quorum(ctx context.Context) (_ QuorumStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	nodes, err := service.db.All(ctx)
	if err != nil {
		return QuorumStatus{}, Error.Wrap(err)
	}

	var status QuorumStatus
	for _, node := range nodes {
		switch node.Status {
		case StatusOnline:
			status.Total++
			if service.alive(node) {
				status.Alive++
			}
		case StatusShadow:
			status.Total++
		}
	}
	status.MinRequired = (status.Total + 1) / 2
	status.Has = !service.config.QuorumEnabled || status.Alive >= status.MinRequired

	mon.IntVal("quorum_alive").Observe(int64(status.Alive))
	mon.IntVal("quorum_total").Observe(int64(status.Total))

	return status, nil
}

func (service *Service) alive(node Node) bool {
	if node.Status != StatusOnline {
		return false
	}
	return service.nowFn().Sub(node.LastHeartbeat) <= service.config.HeartbeatTimeout
}

// TestingSetNow allows tests to have the service act as if the current time is whatever they want.
func (service *Service) TestingSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}
