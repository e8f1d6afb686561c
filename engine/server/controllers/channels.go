// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/dispatch"
	"github.com/meridian-hie/meridian/engine/mode"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/stats"
)

// ErrChannels is the channels api controller errs class.
var ErrChannels = errs.Class("channels api controller")

// ChannelStatus is the JSON shape of a deployed channel.
type ChannelStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Revision int    `json:"revision"`
	State    string `json:"state"`
}

// Channels serves channel deployment, lifecycle, and dispatch operations.
type Channels struct {
	log        *zap.Logger
	engine     *controller.Controller
	modes      *mode.Controller
	statistics *stats.Service
}

// NewChannels creates a channels api controller.
func NewChannels(log *zap.Logger, engine *controller.Controller, modes *mode.Controller, statistics *stats.Service) *Channels {
	return &Channels{
		log:        log,
		engine:     engine,
		modes:      modes,
		statistics: statistics,
	}
}

// List returns every deployed channel.
func (controller *Channels) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	statuses := []ChannelStatus{}
	for _, runtime := range controller.engine.DeployedChannels() {
		statuses = append(statuses, channelStatus(runtime))
	}
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Deploy reads a channel definition from the body and deploys it. The body
// is yaml; json bodies parse as well.
func (controller *Channels) Deploy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		controller.serveError(w, http.StatusBadRequest, ErrChannels.Wrap(err))
		return
	}
	var config channel.Config
	if err = yaml.Unmarshal(body, &config); err != nil {
		controller.serveError(w, http.StatusBadRequest, ErrChannels.New("invalid channel definition: %v", err))
		return
	}

	if err = controller.engine.Deploy(ctx, config); err != nil {
		controller.serveError(w, http.StatusUnprocessableEntity, err)
		return
	}
	controller.serveStatus(w, config.ID)
}

// Get returns one deployed channel.
func (controller *Channels) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	runtime, ok := controller.engine.DeployedChannel(mux.Vars(r)["id"])
	if !ok {
		controller.serveError(w, http.StatusNotFound, ErrChannels.New("channel not deployed"))
		return
	}
	if err := json.NewEncoder(w).Encode(channelStatus(runtime)); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Undeploy stops and removes a channel.
func (controller *Channels) Undeploy(w http.ResponseWriter, r *http.Request) {
	controller.lifecycle(w, r, controller.engine.Undeploy)
}

// Start starts a channel.
func (controller *Channels) Start(w http.ResponseWriter, r *http.Request) {
	controller.lifecycle(w, r, controller.engine.Start)
}

// Stop stops a channel.
func (controller *Channels) Stop(w http.ResponseWriter, r *http.Request) {
	controller.lifecycle(w, r, controller.engine.Stop)
}

// Pause pauses the source connector of a channel.
func (controller *Channels) Pause(w http.ResponseWriter, r *http.Request) {
	controller.lifecycle(w, r, controller.engine.Pause)
}

// Resume resumes the source connector of a channel.
func (controller *Channels) Resume(w http.ResponseWriter, r *http.Request) {
	controller.lifecycle(w, r, controller.engine.Resume)
}

// Dispatch hands a raw message to a channel and reports the assigned id
// and source status.
func (controller *Channels) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]

	var request dispatch.Request
	if err = json.NewDecoder(r.Body).Decode(&request); err != nil {
		controller.serveError(w, http.StatusBadRequest, ErrChannels.Wrap(err))
		return
	}

	result, err := controller.engine.DispatchRawMessage(ctx, channelID, []byte(request.RawData), request.SourceMap)
	if err != nil {
		if isNotDeployed(err) {
			controller.serveError(w, http.StatusNotFound, err)
			return
		}
		controller.log.Error("dispatch failed", zap.String("channel_id", channelID), zap.Error(err))
		controller.serveError(w, http.StatusInternalServerError, err)
		return
	}

	response := dispatch.Result{
		MessageID: result.MessageID,
		Status:    string(result.Status),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Stats returns the live statistics of a channel's connectors, keyed by
// metadata id. Key 0 is the source.
func (controller *Channels) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]
	runtime, ok := controller.engine.DeployedChannel(channelID)
	if !ok {
		controller.serveError(w, http.StatusNotFound, ErrChannels.New("channel not deployed"))
		return
	}

	type connectorStats struct {
		Received    int64 `json:"received"`
		Filtered    int64 `json:"filtered"`
		Transformed int64 `json:"transformed"`
		Pending     int64 `json:"pending"`
		Sent        int64 `json:"sent"`
		Error       int64 `json:"error"`
	}

	metadataIDs := []int{msgstore.SourceMetadataID}
	for _, dest := range runtime.Config().Destinations {
		metadataIDs = append(metadataIDs, dest.MetadataID)
	}

	response := map[int]connectorStats{}
	for _, metadataID := range metadataIDs {
		snapshot, err := controller.statistics.Snapshot(ctx, runtime.ID(), metadataID)
		if err != nil {
			controller.serveError(w, http.StatusInternalServerError, ErrChannels.Wrap(err))
			return
		}
		response[metadataID] = connectorStats{
			Received:    snapshot.Received,
			Filtered:    snapshot.Filtered,
			Transformed: snapshot.Transformed,
			Pending:     snapshot.Pending,
			Sent:        snapshot.Sent,
			Error:       snapshot.Error,
		}
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Promote marks a channel as promoted on this shadow instance.
func (controller *Channels) Promote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]
	controller.modes.Promote(channelID)
	controller.serveMode(w, channelID)
}

// Demote removes a channel's promotion.
func (controller *Channels) Demote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]
	controller.modes.Demote(channelID)
	controller.serveMode(w, channelID)
}

// AllowPoll adds a channel to the takeover polling allow-list.
func (controller *Channels) AllowPoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]
	controller.modes.AllowPolling(channelID)

	response := map[string]any{
		"id":             channelID,
		"mode":           controller.modes.Mode(),
		"pollingAllowed": controller.modes.PollingAllowed(channelID),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// lifecycle runs one channel lifecycle operation and reports the resulting
// state.
func (controller *Channels) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, channelID string) error) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["id"]
	if err = op(ctx, channelID); err != nil {
		if isNotDeployed(err) {
			controller.serveError(w, http.StatusNotFound, err)
			return
		}
		controller.log.Error("channel operation failed", zap.String("channel_id", channelID), zap.Error(err))
		controller.serveError(w, http.StatusInternalServerError, err)
		return
	}
	controller.serveStatus(w, channelID)
}

func (controller *Channels) serveStatus(w http.ResponseWriter, channelID string) {
	runtime, ok := controller.engine.DeployedChannel(channelID)
	if !ok {
		if err := json.NewEncoder(w).Encode(map[string]string{"id": channelID, "state": "UNDEPLOYED"}); err != nil {
			controller.log.Error("failed to write json response", zap.Error(err))
		}
		return
	}
	if err := json.NewEncoder(w).Encode(channelStatus(runtime)); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

func (controller *Channels) serveMode(w http.ResponseWriter, channelID string) {
	response := map[string]any{
		"id":       channelID,
		"mode":     controller.modes.Mode(),
		"promoted": controller.modes.Promoted(channelID),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// serveError sets the http status and sends a json error.
func (controller *Channels) serveError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)

	var response struct {
		Error string `json:"error"`
	}
	response.Error = err.Error()

	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json error response", zap.Error(err))
	}
}

func channelStatus(runtime *channel.Channel) ChannelStatus {
	return ChannelStatus{
		ID:       runtime.ID(),
		Name:     runtime.Name(),
		Revision: runtime.Config().Revision,
		State:    string(runtime.State()),
	}
}
