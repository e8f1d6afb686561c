// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package datatype defines the data-type codec interfaces and the registry
// binding data-type names to implementations.
//
// Full codec suites (XML, JSON, DICOM, delimited) are external
// collaborators; the engine ships the raw pass-through codec and the HL7v2
// codec in the hl7 subpackage.
package datatype

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

// Error is the default datatype errs class.
var Error = errs.Class("datatype")

// NameRaw is the pass-through data type.
const NameRaw = "RAW"

// MetaData is what a codec derives from a payload for the indexed metadata
// columns.
type MetaData struct {
	Source  string
	Type    string
	Version string
}

// Codec serializes one data type. Conversions return nil when the data
// type has no XML form.
type Codec interface {
	Name() string
	ToXML(data []byte) ([]byte, error)
	FromXML(xml []byte) ([]byte, error)
	MetaData(data []byte) MetaData
	// SerializationRequired reports whether the pipeline must convert the
	// payload to XML before transformation.
	SerializationRequired() bool
}

// AutoResponder produces a synthetic source response when the channel has
// no explicit response path configured.
type AutoResponder interface {
	Respond(ctx context.Context, raw, processed []byte, status msgstore.Status) (*connector.Response, error)
}

// ResponseValidator inspects a destination response. A non-nil error
// demotes the connector message to ERROR.
type ResponseValidator interface {
	Validate(ctx context.Context, response []byte) error
}

// Passthrough is the raw data type: no conversions, no metadata.
type Passthrough struct{}

// Name implements Codec.
func (Passthrough) Name() string { return NameRaw }

// ToXML implements Codec. Raw content has no XML form.
func (Passthrough) ToXML(data []byte) ([]byte, error) { return nil, nil }

// FromXML implements Codec.
func (Passthrough) FromXML(xml []byte) ([]byte, error) { return nil, nil }

// MetaData implements Codec.
func (Passthrough) MetaData(data []byte) MetaData { return MetaData{} }

// SerializationRequired implements Codec.
func (Passthrough) SerializationRequired() bool { return false }

// NoResponse is the default auto-responder: no content.
type NoResponse struct{}

// Respond implements AutoResponder.
func (NoResponse) Respond(ctx context.Context, raw, processed []byte, status msgstore.Status) (*connector.Response, error) {
	return nil, nil
}

// AcceptAll is the default response validator: every response passes.
type AcceptAll struct{}

// Validate implements ResponseValidator.
func (AcceptAll) Validate(ctx context.Context, response []byte) error { return nil }

// ResponderFactory builds an auto-responder specialized for one channel.
// The filtered code is the ack code reported for filtered messages; the
// empty string means the data type's default.
type ResponderFactory func(filteredCode string) AutoResponder

// Registry maps data-type names to codecs, auto-responders, and response
// validators. Unknown codec names are deploy-time errors; responders and
// validators fall back to the defaults.
type Registry struct {
	mu                 sync.Mutex
	codecs             map[string]Codec
	responders         map[string]AutoResponder
	responderFactories map[string]ResponderFactory
	validators         map[string]ResponseValidator
}

// NewRegistry creates a registry with the raw pass-through codec
// registered.
func NewRegistry() *Registry {
	registry := &Registry{
		codecs:             map[string]Codec{},
		responders:         map[string]AutoResponder{},
		responderFactories: map[string]ResponderFactory{},
		validators:         map[string]ResponseValidator{},
	}
	registry.Register(Passthrough{})
	return registry
}

// Register binds a codec under its own name.
func (registry *Registry) Register(codec Codec) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.codecs[codec.Name()] = codec
}

// RegisterResponder binds an auto-responder to a data-type name.
func (registry *Registry) RegisterResponder(name string, responder AutoResponder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.responders[name] = responder
}

// RegisterResponderFactory binds a per-channel auto-responder factory to
// a data-type name. It takes precedence over RegisterResponder.
func (registry *Registry) RegisterResponderFactory(name string, factory ResponderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.responderFactories[name] = factory
}

// RegisterValidator binds a response validator to a data-type name.
func (registry *Registry) RegisterValidator(name string, validator ResponseValidator) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.validators[name] = validator
}

// Codec returns the codec for the name. The empty name means raw.
func (registry *Registry) Codec(name string) (Codec, error) {
	if name == "" {
		name = NameRaw
	}
	registry.mu.Lock()
	codec, ok := registry.codecs[name]
	registry.mu.Unlock()
	if !ok {
		return nil, Error.New("unknown data type %q, registered: %v", name, registry.Names())
	}
	return codec, nil
}

// Responder returns the auto-responder for the name, defaulting to no
// content.
func (registry *Registry) Responder(name string) AutoResponder {
	return registry.ResponderFor(name, "")
}

// ResponderFor returns an auto-responder for the name specialized with the
// channel's filtered ack code, defaulting to no content.
func (registry *Registry) ResponderFor(name, filteredCode string) AutoResponder {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if factory, ok := registry.responderFactories[name]; ok {
		return factory(filteredCode)
	}
	if responder, ok := registry.responders[name]; ok {
		return responder
	}
	return NoResponse{}
}

// Validator returns the response validator for the name, defaulting to
// accept-all.
func (registry *Registry) Validator(name string) ResponseValidator {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if validator, ok := registry.validators[name]; ok {
		return validator
	}
	return AcceptAll{}
}

// Names lists the registered codec names.
func (registry *Registry) Names() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	names := make([]string, 0, len(registry.codecs))
	for name := range registry.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
