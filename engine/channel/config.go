// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-hie/meridian/engine/attachment"
	"github.com/meridian-hie/meridian/engine/connector"
)

// Response selector values. destinationN selects one destination by its
// metadata id, written as destination1, destination2, and so on.
const (
	SelectAuto         = "auto"
	SelectSourceStatus = "sourceStatus"
	SelectFirst        = "first"
	SelectLast         = "last"
	SelectErrorBiased  = "errorBiased"

	selectDestinationPrefix = "destination"
)

// Config is the deployable configuration of one channel.
type Config struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Revision int    `yaml:"revision"`

	Source       SourceConfig        `yaml:"source"`
	Destinations []DestinationConfig `yaml:"destinations"`

	// ResponseSelector picks which response the source connector reports.
	ResponseSelector string `yaml:"responseSelector"`

	Attachments attachment.Config `yaml:"attachments"`

	// KeepFor is how long processed messages are retained. Zero keeps them
	// forever.
	KeepFor time.Duration `yaml:"keepFor"`

	// MetadataColumns are channel-defined custom metadata columns added to
	// the metadata table at deploy.
	MetadataColumns []string `yaml:"metadataColumns"`
}

// SourceConfig configures the source connector of a channel.
type SourceConfig struct {
	Transport  string               `yaml:"transport"`
	Properties connector.Properties `yaml:"properties"`

	// DataType is the inbound data type; OutDataType the outbound one.
	// Empty means raw, and an empty OutDataType follows DataType.
	DataType    string `yaml:"dataType"`
	OutDataType string `yaml:"outDataType"`

	// QueueEnabled decouples ingress from the pipeline: the source worker
	// persists RAW and responds immediately, a reader drains the backlog.
	QueueEnabled bool `yaml:"queueEnabled"`

	// Batch splits one raw input into sub-messages through the configured
	// batch adaptor.
	Batch bool `yaml:"batch"`

	// FilteredAckCode overrides the data type's rejected acknowledgment
	// code.
	FilteredAckCode string `yaml:"filteredAckCode"`
}

// DestinationConfig configures one destination connector.
type DestinationConfig struct {
	// MetadataID numbers the destination within the channel, starting at 1.
	MetadataID int    `yaml:"metadataId"`
	Name       string `yaml:"name"`

	Transport  string               `yaml:"transport"`
	Properties connector.Properties `yaml:"properties"`

	Disabled bool   `yaml:"disabled"`
	DataType string `yaml:"dataType"`

	// SendTimeout bounds one connector send. Zero means 30s.
	SendTimeout time.Duration `yaml:"sendTimeout"`

	Queue QueueSettings `yaml:"queue"`
}

// QueueSettings is the retry and queueing policy of a destination.
type QueueSettings struct {
	// RetryCount is how many retries follow a failed first attempt.
	RetryCount int `yaml:"retryCount"`
	// RetryInterval is the delay between attempts. Zero means 10s.
	RetryInterval time.Duration `yaml:"retryInterval"`
	// Rotate moves a failed item to the queue tail instead of blocking the
	// head.
	Rotate bool `yaml:"rotate"`
	// SendFirst attempts delivery on the source thread before queueing.
	SendFirst bool `yaml:"sendFirst"`
	// ThreadCount is the worker count of the destination queue. Zero means
	// one; ordering is only guaranteed single-threaded.
	ThreadCount int `yaml:"threadCount"`
	// BufferSize caps the in-memory queue buffer. Zero means 1000.
	BufferSize int `yaml:"bufferSize"`
}

// Maps carries the in-flight variable maps of one message through the
// pipeline. Each non-empty map persists as a serialized blob in its own
// content slot.
type Maps struct {
	Source    map[string]any
	Connector map[string]any
	Channel   map[string]any
	Response  map[string]any
}

// NewMaps creates pipeline maps seeded with a source map.
func NewMaps(sourceMap map[string]any) *Maps {
	if sourceMap == nil {
		sourceMap = map[string]any{}
	}
	return &Maps{
		Source:    sourceMap,
		Connector: map[string]any{},
		Channel:   map[string]any{},
		Response:  map[string]any{},
	}
}

// FilterFunc decides whether a message continues. False filters it out.
type FilterFunc func(ctx context.Context, data []byte, maps *Maps) (bool, error)

// TransformerFunc rewrites message content. A nil result keeps the input.
type TransformerFunc func(ctx context.Context, data []byte, maps *Maps) ([]byte, error)

// Scripts are the processing hooks of a channel. The scripting sandbox is
// an external collaborator; deployments wire compiled hooks here. Nil
// hooks pass content through.
type Scripts struct {
	Preprocessor      TransformerFunc
	SourceFilter      FilterFunc
	SourceTransformer TransformerFunc

	// DestinationSet prunes the destination set before routing. It
	// receives and returns metadata ids.
	DestinationSet func(ctx context.Context, maps *Maps, destinations []int) []int

	Destinations map[int]DestinationScripts

	// Postprocessor runs once per message after every routed destination
	// reached a terminal status.
	Postprocessor func(ctx context.Context, maps *Maps, finalStatus string) error
}

// DestinationScripts are the per-destination processing hooks.
type DestinationScripts struct {
	Filter              FilterFunc
	Transformer         TransformerFunc
	ResponseTransformer TransformerFunc
}

// Validate checks the structural parts of the configuration. Transport and
// data-type names resolve against the registries at deploy.
func (config *Config) Validate() error {
	if config.ID == "" {
		return Error.New("channel id is required")
	}
	if config.Name == "" {
		return Error.New("channel name is required")
	}
	if config.Source.Transport == "" {
		return Error.New("channel %s: source transport is required", config.ID)
	}

	if err := validateSelector(config.ResponseSelector, config.Destinations); err != nil {
		return Error.New("channel %s: %v", config.ID, err)
	}

	seen := map[int]bool{}
	for _, dest := range config.Destinations {
		if dest.MetadataID < 1 {
			return Error.New("channel %s: destination %q: metadata id must be positive, got %d",
				config.ID, dest.Name, dest.MetadataID)
		}
		if seen[dest.MetadataID] {
			return Error.New("channel %s: duplicate destination metadata id %d", config.ID, dest.MetadataID)
		}
		seen[dest.MetadataID] = true
		if dest.Transport == "" {
			return Error.New("channel %s: destination %d: transport is required", config.ID, dest.MetadataID)
		}
		if dest.Queue.RetryCount < 0 {
			return Error.New("channel %s: destination %d: negative retry count", config.ID, dest.MetadataID)
		}
	}
	return nil
}

func validateSelector(selector string, destinations []DestinationConfig) error {
	switch selector {
	case "", SelectAuto, SelectSourceStatus, SelectFirst, SelectLast, SelectErrorBiased:
		return nil
	}
	metadataID, ok := destinationSelector(selector)
	if !ok {
		return fmt.Errorf("unknown response selector %q", selector)
	}
	for _, dest := range destinations {
		if dest.MetadataID == metadataID {
			return nil
		}
	}
	return fmt.Errorf("response selector %q names a missing destination", selector)
}

// destinationSelector parses a destinationN selector into its metadata id.
func destinationSelector(selector string) (int, bool) {
	if !strings.HasPrefix(selector, selectDestinationPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(selector, selectDestinationPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (settings QueueSettings) retryInterval() time.Duration {
	if settings.RetryInterval <= 0 {
		return 10 * time.Second
	}
	return settings.RetryInterval
}

func (settings QueueSettings) threads() int {
	if settings.ThreadCount <= 0 {
		return 1
	}
	return settings.ThreadCount
}

func (settings QueueSettings) buffer() int {
	if settings.BufferSize <= 0 {
		return 1000
	}
	return settings.BufferSize
}

func (config DestinationConfig) sendTimeout() time.Duration {
	if config.SendTimeout <= 0 {
		return 30 * time.Second
	}
	return config.SendTimeout
}
