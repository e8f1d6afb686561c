// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/health"
)

// Health serves the liveness, readiness, and startup probes.
type Health struct {
	log      *zap.Logger
	service  *health.Service
	channels health.ChannelStates
}

// NewHealth creates a health probes controller.
func NewHealth(log *zap.Logger, service *health.Service, channels health.ChannelStates) *Health {
	return &Health{
		log:      log,
		service:  service,
		channels: channels,
	}
}

// Ready reports whether this instance should receive traffic.
func (controller *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	ready := controller.service.Ready(ctx)
	controller.writeStatus(w, ready, map[string]bool{"ready": ready})
}

// Live always succeeds while the process runs.
func (controller *Health) Live(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	controller.writeStatus(w, true, map[string]bool{"alive": true})
}

// Startup reports whether the boot sequence finished.
func (controller *Health) Startup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	started := controller.service.Startup(ctx)
	controller.writeStatus(w, started, map[string]bool{"startupComplete": started})
}

// Channel succeeds iff the channel is deployed and STARTED.
func (controller *Health) Channel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	channelID := mux.Vars(r)["id"]
	running, deployed := controller.channels.ChannelRunning(channelID)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case !deployed:
		w.WriteHeader(http.StatusNotFound)
	case !running:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}

	response := map[string]any{"id": channelID, "running": running, "deployed": deployed}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write health response", zap.Error(err))
	}
}

func (controller *Health) writeStatus(w http.ResponseWriter, healthy bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		controller.log.Error("failed to write health response", zap.Error(err))
	}
}
