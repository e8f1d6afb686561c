// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/artifact"
)

// ErrArtifacts is the artifacts api controller errs class.
var ErrArtifacts = errs.Class("artifacts api controller")

// ArtifactStatus is the JSON shape of an artifact sync record.
type ArtifactStatus struct {
	ArtifactID string    `json:"artifactId"`
	Kind       string    `json:"kind"`
	Revision   int       `json:"revision"`
	Hash       string    `json:"hash"`
	SyncedAt   time.Time `json:"syncedAt"`
}

// Artifacts serves the sync tracking surface of the external artifact
// sync collaborator.
type Artifacts struct {
	log     *zap.Logger
	service *artifact.Service
}

// NewArtifacts creates an artifacts api controller.
func NewArtifacts(log *zap.Logger, service *artifact.Service) *Artifacts {
	return &Artifacts{
		log:     log,
		service: service,
	}
}

// List returns every tracked artifact.
func (controller *Artifacts) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	records, err := controller.service.List(ctx)
	if err != nil {
		controller.serveError(w, http.StatusInternalServerError, ErrArtifacts.Wrap(err))
		return
	}
	statuses := make([]ArtifactStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, artifactStatus(record))
	}
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Get returns one artifact sync record.
func (controller *Artifacts) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	record, err := controller.service.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		controller.serveError(w, http.StatusInternalServerError, ErrArtifacts.Wrap(err))
		return
	}
	if record == nil {
		controller.serveError(w, http.StatusNotFound, ErrArtifacts.New("artifact not tracked"))
		return
	}
	if err := json.NewEncoder(w).Encode(artifactStatus(*record)); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Record stores the sync state of an artifact.
func (controller *Artifacts) Record(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	var payload struct {
		Kind     string    `json:"kind"`
		Revision int       `json:"revision"`
		Hash     string    `json:"hash"`
		SyncedAt time.Time `json:"syncedAt"`
	}
	if err = json.NewDecoder(r.Body).Decode(&payload); err != nil {
		controller.serveError(w, http.StatusBadRequest, ErrArtifacts.Wrap(err))
		return
	}

	record := artifact.Record{
		ArtifactID: mux.Vars(r)["id"],
		Kind:       payload.Kind,
		Revision:   payload.Revision,
		Hash:       payload.Hash,
		SyncedAt:   payload.SyncedAt,
	}
	if err = controller.service.Record(ctx, record); err != nil {
		controller.serveError(w, http.StatusUnprocessableEntity, err)
		return
	}

	stored, err := controller.service.Get(ctx, record.ArtifactID)
	if err != nil || stored == nil {
		controller.serveError(w, http.StatusInternalServerError, ErrArtifacts.Wrap(err))
		return
	}
	if err := json.NewEncoder(w).Encode(artifactStatus(*stored)); err != nil {
		controller.log.Error("failed to write json response", zap.Error(err))
	}
}

// Remove drops the sync state of an artifact.
func (controller *Artifacts) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	w.Header().Set("Content-Type", "application/json")

	if err = controller.service.Remove(ctx, mux.Vars(r)["id"]); err != nil {
		controller.serveError(w, http.StatusInternalServerError, ErrArtifacts.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func artifactStatus(record artifact.Record) ArtifactStatus {
	return ArtifactStatus{
		ArtifactID: record.ArtifactID,
		Kind:       record.Kind,
		Revision:   record.Revision,
		Hash:       record.Hash,
		SyncedAt:   record.SyncedAt,
	}
}

// serveError sets the http status and sends a json error.
func (controller *Artifacts) serveError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)

	var response struct {
		Error string `json:"error"`
	}
	response.Error = err.Error()

	if err := json.NewEncoder(w).Encode(response); err != nil {
		controller.log.Error("failed to write json error response", zap.Error(err))
	}
}
