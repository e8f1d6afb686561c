// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package server exposes the engine's operational HTTP API: health probes,
// channel operations, cluster listings, and the inter-instance dispatch
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/memory"

	"github.com/meridian-hie/meridian/engine/artifact"
	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/health"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/mode"
	"github.com/meridian-hie/meridian/engine/registry"
	"github.com/meridian-hie/meridian/engine/server/controllers"
	"github.com/meridian-hie/meridian/engine/stats"
)

// Error is the default engine http server errs class.
var Error = errs.Class("engine server")

// Config contains configuration for the engine HTTP server.
type Config struct {
	Address string `help:"address the engine api listens on" default:":8091" testDefault:"127.0.0.1:0"`

	MaxRequestSize  memory.Size   `help:"maximum accepted size of an api request body" default:"32.0 MiB"`
	ShutdownTimeout time.Duration `help:"how long to wait for in-flight requests on shutdown" default:"10s"`
}

// Services are the engine parts the server exposes. Leases and Registry
// are nil when clustering is disabled; their endpoints then return empty
// listings.
type Services struct {
	Controller *controller.Controller
	Health     *health.Service
	Modes      *mode.Controller
	Artifacts  *artifact.Service
	Stats      *stats.Service

	Registry *registry.Service
	Leases   *lease.Manager

	// DispatchSecret authenticates the inter-instance dispatch endpoint.
	DispatchSecret string
}

// Server handles the engine's HTTP API.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config
	modes  *mode.Controller

	listener net.Listener
	http     http.Server
}

// NewServer creates the engine HTTP server on the listener.
func NewServer(log *zap.Logger, config Config, services Services, listener net.Listener) *Server {
	server := &Server{
		log:      log,
		config:   config,
		modes:    services.Modes,
		listener: listener,
	}

	router := mux.NewRouter()
	router.Use(server.limitBody)
	api := router.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = controllers.NewNotFound(log)

	healthController := controllers.NewHealth(log, services.Health, services.Controller)
	api.HandleFunc("/health", healthController.Ready).Methods(http.MethodGet)
	api.HandleFunc("/health/live", healthController.Live).Methods(http.MethodGet)
	api.HandleFunc("/health/startup", healthController.Startup).Methods(http.MethodGet)
	api.HandleFunc("/health/channels/{id}", healthController.Channel).Methods(http.MethodGet)

	internalController := controllers.NewInternal(log, services.DispatchSecret, services.Controller)
	api.HandleFunc("/internal/dispatch", internalController.Dispatch).Methods(http.MethodPost)

	channelsController := controllers.NewChannels(log, services.Controller, services.Modes, services.Stats)
	// Mode control stays outside the shadow guard: promoting is how a
	// shadow instance starts taking traffic.
	api.HandleFunc("/channels/{id}/promote", channelsController.Promote).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/demote", channelsController.Demote).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/allow-poll", channelsController.AllowPoll).Methods(http.MethodPost)

	channelsRouter := api.PathPrefix("/channels").Subrouter()
	channelsRouter.Use(server.shadowGuard)
	channelsRouter.HandleFunc("", channelsController.List).Methods(http.MethodGet)
	channelsRouter.HandleFunc("", channelsController.Deploy).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}", channelsController.Get).Methods(http.MethodGet)
	channelsRouter.HandleFunc("/{id}", channelsController.Undeploy).Methods(http.MethodDelete)
	channelsRouter.HandleFunc("/{id}/start", channelsController.Start).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}/stop", channelsController.Stop).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}/pause", channelsController.Pause).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}/resume", channelsController.Resume).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}/dispatch", channelsController.Dispatch).Methods(http.MethodPost)
	channelsRouter.HandleFunc("/{id}/stats", channelsController.Stats).Methods(http.MethodGet)

	clusterController := controllers.NewCluster(log, services.Registry, services.Leases)
	api.HandleFunc("/cluster/servers", clusterController.Servers).Methods(http.MethodGet)
	api.HandleFunc("/cluster/leases", clusterController.Leases).Methods(http.MethodGet)

	artifactsController := controllers.NewArtifacts(log, services.Artifacts)
	api.HandleFunc("/artifacts", artifactsController.List).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{id:.+}", artifactsController.Get).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{id:.+}", artifactsController.Record).Methods(http.MethodPut)
	api.HandleFunc("/artifacts/{id:.+}", artifactsController.Remove).Methods(http.MethodDelete)

	server.http = http.Server{
		Handler: router,
	}

	return server
}

// limitBody caps request bodies so a misbehaving client cannot exhaust
// memory through the dispatch or deploy endpoints. A zero limit disables
// the cap.
func (server *Server) limitBody(next http.Handler) http.Handler {
	limit := server.config.MaxRequestSize.Int64()
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// shadowGuard rejects mutating channel operations for non-promoted
// channels while this instance runs in shadow mode. GETs always pass.
func (server *Server) shadowGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		channelID := mux.Vars(r)["id"]
		if channelID == "" || server.modes == nil || server.modes.WriteAllowed(channelID) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		err := json.NewEncoder(w).Encode(map[string]any{
			"error":      "instance is in shadow mode and channel " + channelID + " is not promoted",
			"shadowMode": true,
		})
		if err != nil {
			server.log.Error("failed to write shadow conflict response", zap.Error(err))
		}
	})
}

// Run starts the API server and stops it when the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group

	timeout := server.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		return server.http.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		defer cancel()
		err := server.http.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close stops the server immediately.
func (server *Server) Close() error {
	return server.http.Close()
}

// Addr returns the listen address, for tests against an ephemeral port.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}
