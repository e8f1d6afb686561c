// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/registry"
)

// ErrCluster is the cluster api controller errs class.
var ErrCluster = errs.Class("cluster api controller")

// ServerStatus is the JSON shape of a registered instance.
type ServerStatus struct {
	ServerID      string    `json:"serverId"`
	Hostname      string    `json:"hostname"`
	Port          int       `json:"port"`
	APIURL        string    `json:"apiUrl"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        string    `json:"status"`
	Alive         bool      `json:"alive"`
}

// LeaseStatus is the JSON shape of a polling lease.
type LeaseStatus struct {
	ChannelID   string    `json:"channelId"`
	ConnectorID int       `json:"connectorId"`
	ServerID    string    `json:"serverId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Cluster serves registry and lease listings. Both services are nil on
// standalone instances; the listings are then empty.
type Cluster struct {
	log    *zap.Logger
	nodes  *registry.Service
	leases *lease.Manager
}

// NewCluster creates a cluster api controller.
func NewCluster(log *zap.Logger, nodes *registry.Service, leases *lease.Manager) *Cluster {
	return &Cluster{
		log:    log,
		nodes:  nodes,
		leases: leases,
	}
}

// Servers lists every registered instance.
func (controller *Cluster) Servers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	statuses := []ServerStatus{}
	if controller.nodes != nil {
		nodes, err := controller.nodes.Nodes(ctx)
		if err != nil {
			controller.serveError(w, http.StatusInternalServerError, ErrCluster.Wrap(err))
			return
		}
		for _, node := range nodes {
			alive, err := controller.nodes.IsAlive(ctx, node.ServerID)
			if err != nil {
				controller.serveError(w, http.StatusInternalServerError, ErrCluster.Wrap(err))
				return
			}
			statuses = append(statuses, ServerStatus{
				ServerID:      node.ServerID,
				Hostname:      node.Hostname,
				Port:          node.Port,
				APIURL:        node.APIURL,
				StartedAt:     node.StartedAt,
				LastHeartbeat: node.LastHeartbeat,
				Status:        node.Status,
				Alive:         alive,
			})
		}
	}
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Leases lists every polling lease row.
func (controller *Cluster) Leases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	statuses := []LeaseStatus{}
	if controller.leases != nil {
		leases, err := controller.leases.All(ctx)
		if err != nil {
			controller.serveError(w, http.StatusInternalServerError, ErrCluster.Wrap(err))
			return
		}
		for _, row := range leases {
			statuses = append(statuses, LeaseStatus{
				ChannelID:   row.ChannelID,
				ConnectorID: row.ConnectorID,
				ServerID:    row.ServerID,
				AcquiredAt:  row.AcquiredAt,
				ExpiresAt:   row.ExpiresAt,
			})
		}
	}
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// serveError sets the http status and sends a json error.
func (controller *Cluster) serveError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)

	var response struct {
		Error string `json:"error"`
	}
	response.Error = err.Error()

	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json error response", zap.Error(err))
	}
}
