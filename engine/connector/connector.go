// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package connector defines the transport connector interfaces and the
// registry binding transport names to implementations.
//
// Concrete wire transports (MLLP, HTTP, file, JDBC polling) are external
// collaborators; they plug in through the Source and Destination interfaces
// registered here. The package ships the in-process channel transports.
package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

// Error is the default connector errs class.
var Error = errs.Class("connector")

// RawMessage is a message as delivered by a source transport. The source
// map carries transport-scoped values (remote address, filename, original
// control id) that follow the message through the pipeline.
type RawMessage struct {
	Data      []byte
	SourceMap map[string]any
}

// Response is a connector's answer for one message.
type Response struct {
	Status        msgstore.Status
	Data          []byte
	StatusMessage string
	Error         string
}

// Dispatcher accepts raw messages from a started source connector and runs
// them through the channel. The returned response is what the transport
// writes back to its caller, when it has one.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw RawMessage) (*Response, error)
}

// Source is a source transport connector. Implementations deliver every
// received message to the Dispatcher given to Start.
type Source interface {
	Start(ctx context.Context, dispatch Dispatcher) error
	Stop(ctx context.Context) error
	// Pause suspends intake without tearing the transport down.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Polling reports whether this source actively polls an external
	// system. Polling sources are subject to cluster lease ownership and
	// the takeover-mode polling guard.
	Polling() bool
}

// Payload is what a destination connector sends.
type Payload struct {
	ChannelID  string
	MessageID  int64
	MetadataID int
	Data       []byte
	SourceMap  map[string]any
	// Attempt counts from 1 across retries of the same queue item.
	Attempt int
}

// Destination is a destination transport connector.
type Destination interface {
	Send(ctx context.Context, payload Payload) (*Response, error)
}

// Properties are the transport settings of one connector from the channel
// configuration.
type Properties map[string]string

// Router routes a raw message to a channel wherever it is deployed. The
// engine controller implements it; in-process transports depend on this
// narrow view of it.
type Router interface {
	Route(ctx context.Context, channelID string, raw RawMessage) (*Response, error)
}

// SourceFactory builds a source connector from channel configuration.
type SourceFactory func(props Properties) (Source, error)

// DestinationFactory builds a destination connector from channel
// configuration.
type DestinationFactory func(props Properties) (Destination, error)

// Registry maps transport names to connector factories. Unknown names are
// deploy-time errors.
type Registry struct {
	mu           sync.Mutex
	sources      map[string]SourceFactory
	destinations map[string]DestinationFactory
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      map[string]SourceFactory{},
		destinations: map[string]DestinationFactory{},
	}
}

// RegisterSource binds a source transport name.
func (registry *Registry) RegisterSource(transport string, factory SourceFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.sources[transport] = factory
}

// RegisterDestination binds a destination transport name.
func (registry *Registry) RegisterDestination(transport string, factory DestinationFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.destinations[transport] = factory
}

// NewSource builds a source connector for the transport.
func (registry *Registry) NewSource(transport string, props Properties) (Source, error) {
	registry.mu.Lock()
	factory, ok := registry.sources[transport]
	registry.mu.Unlock()
	if !ok {
		return nil, Error.New("unknown source transport %q, registered: %v", transport, registry.SourceTransports())
	}
	return factory(props)
}

// NewDestination builds a destination connector for the transport.
func (registry *Registry) NewDestination(transport string, props Properties) (Destination, error) {
	registry.mu.Lock()
	factory, ok := registry.destinations[transport]
	registry.mu.Unlock()
	if !ok {
		return nil, Error.New("unknown destination transport %q, registered: %v", transport, registry.DestinationTransports())
	}
	return factory(props)
}

// SourceTransports lists the registered source transport names.
func (registry *Registry) SourceTransports() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	names := make([]string, 0, len(registry.sources))
	for name := range registry.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DestinationTransports lists the registered destination transport names.
func (registry *Registry) DestinationTransports() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	names := make([]string, 0, len(registry.destinations))
	for name := range registry.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
