// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controllers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/dispatch"
)

// ErrInternal is the internal dispatch api controller errs class.
var ErrInternal = errs.Class("internal api controller")

// Internal serves the peer-to-peer dispatch endpoint.
type Internal struct {
	log    *zap.Logger
	secret string
	engine *controller.Controller
}

// NewInternal creates the internal dispatch controller.
func NewInternal(log *zap.Logger, secret string, engine *controller.Controller) *Internal {
	return &Internal{
		log:    log,
		secret: secret,
		engine: engine,
	}
}

// Dispatch accepts a raw message from a peer instance and runs it through
// the local channel.
func (controller *Internal) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	if controller.secret == "" {
		controller.serveError(w, http.StatusForbidden, ErrInternal.New("cluster dispatch is not enabled"))
		return
	}
	presented := r.Header.Get(dispatch.SecretHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(controller.secret)) != 1 {
		controller.serveError(w, http.StatusForbidden, ErrInternal.New("invalid cluster secret"))
		return
	}

	var request dispatch.Request
	if err = json.NewDecoder(r.Body).Decode(&request); err != nil {
		controller.serveError(w, http.StatusBadRequest, ErrInternal.Wrap(err))
		return
	}
	if request.ChannelID == "" {
		controller.serveError(w, http.StatusBadRequest, ErrInternal.New("channelId is required"))
		return
	}

	result, err := controller.engine.DispatchRawMessage(ctx, request.ChannelID, []byte(request.RawData), request.SourceMap)
	if err != nil {
		if isNotDeployed(err) {
			controller.serveError(w, http.StatusNotFound, err)
			return
		}
		controller.log.Error("internal dispatch failed",
			zap.String("channel_id", request.ChannelID),
			zap.Error(err))
		controller.serveError(w, http.StatusInternalServerError, err)
		return
	}

	response := dispatch.Result{
		MessageID: result.MessageID,
		Status:    string(result.Status),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write dispatch response", zap.Error(err))
	}
}

func isNotDeployed(err error) bool {
	return controller.ErrNotDeployed.Has(err) || dispatch.ErrNotDeployed.Has(err)
}

// serveError sets the http status and sends a json error.
func (controller *Internal) serveError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)

	var response struct {
		Error string `json:"error"`
	}
	response.Error = err.Error()

	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json error response", zap.Error(err))
	}
}
