// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package controllers implements the handlers of the engine HTTP API.
package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()
)

// NotFound handles API responses for unknown routes.
type NotFound struct {
	log *zap.Logger
}

// NewNotFound creates a NotFound handler.
func NewNotFound(log *zap.Logger) http.Handler {
	return &NotFound{
		log: log,
	}
}

// ServeHTTP serves a json error for unknown resources.
func (handler *NotFound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)

	var response struct {
		Error string `json:"error"`
	}
	response.Error = "resource not found"

	if err := json.NewEncoder(w).Encode(response); err != nil {
		handler.log.Error("failed to write json error response", zap.Error(err))
	}
}
