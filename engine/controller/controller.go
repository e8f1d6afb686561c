// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package controller owns the deployed-channel set: it builds channel
// runtimes from configuration, drives their lifecycle, and routes raw
// messages to wherever a channel runs, locally or on a peer.
package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridian-hie/meridian/engine/attachment"
	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/dispatch"
	"github.com/meridian-hie/meridian/engine/events"
	"github.com/meridian-hie/meridian/engine/identity"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/mode"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/sequence"
	"github.com/meridian-hie/meridian/engine/stats"
)

var (
	// Error is the default controller errs class.
	Error = errs.Class("controller")
	// ErrNotDeployed is returned for operations on channels this server
	// does not have deployed.
	ErrNotDeployed = errs.Class("channel not deployed")

	mon = monkit.Package()
)

// Config configures the engine controller.
type Config struct {
	DeployDir string `help:"directory of channel definition files deployed at startup" default:"$CONFDIR/channels"`
	AutoStart bool   `help:"start channels after deploying them at startup" default:"true"`
}

// ChannelRecord is one row of the deployed-channel registry. Config holds
// the yaml-encoded channel definition so peers can inspect what revision a
// channel runs at.
type ChannelRecord struct {
	ChannelID string
	Name      string
	Revision  int
	Config    []byte
	UpdatedAt time.Time
}

// DB persists deployed channel configurations.
//
// architecture: Database
type DB interface {
	Upsert(ctx context.Context, record ChannelRecord) error
	Get(ctx context.Context, channelID string) (*ChannelRecord, error)
	All(ctx context.Context) ([]ChannelRecord, error)
	Delete(ctx context.Context, channelID string) error
}

// ScriptProvider resolves the processing hooks of a channel at deploy.
// Script hosting is an external collaborator; a nil provider deploys
// channels with pass-through hooks.
type ScriptProvider interface {
	ScriptsFor(ctx context.Context, config channel.Config) (channel.Scripts, error)
}

// BatchProvider resolves the batch adaptor factory of a channel with batch
// splitting enabled.
type BatchProvider interface {
	BatchFor(ctx context.Context, config channel.Config) (channel.BatchFactory, error)
}

// Options are the collaborators a controller is built from.
type Options struct {
	Store    *msgstore.Service
	Stats    *stats.Service
	Sequence *sequence.Allocator
	Events   *events.Bus

	Connectors *connector.Registry
	DataTypes  *datatype.Registry

	Modes *mode.Controller
	// Leases and Deployments are nil when clustering is disabled.
	Leases      *lease.Manager
	Deployments *dispatch.Service

	Cluster  identity.ClusterConfig
	ServerID string

	Scripts ScriptProvider
	Batches BatchProvider
}

// DispatchResult is the outcome of routing one raw message.
type DispatchResult struct {
	MessageID int64
	// Status is the source-reported status after intake ran.
	Status   msgstore.Status
	Response *connector.Response
	// Remote is set when the message was handed to a peer instance.
	Remote bool
}

type deployed struct {
	runtime *channel.Channel
	// polling is captured from the built source connector at deploy.
	polling bool
}

// Controller deploys channels and routes messages to them.
//
// architecture: Service
type Controller struct {
	log    *zap.Logger
	db     DB
	config Config

	store    *msgstore.Service
	stats    *stats.Service
	sequence *sequence.Allocator
	events   *events.Bus

	connectors *connector.Registry
	datatypes  *datatype.Registry

	modes       *mode.Controller
	leases      *lease.Manager
	deployments *dispatch.Service

	cluster  identity.ClusterConfig
	serverID string

	scripts ScriptProvider
	batches BatchProvider

	mu       sync.Mutex
	channels map[string]*deployed
	// names resolves channel names to ids for operations and the takeover
	// allow-list.
	names map[string]string
}

// NewController creates the engine controller.
func NewController(log *zap.Logger, db DB, config Config, opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Sequence == nil {
		return nil, Error.New("message store and sequence allocator are required")
	}
	if opts.Connectors == nil || opts.DataTypes == nil {
		return nil, Error.New("connector and data-type registries are required")
	}
	if opts.Modes == nil {
		return nil, Error.New("mode controller is required")
	}
	if opts.ServerID == "" {
		return nil, Error.New("server id is required")
	}

	return &Controller{
		log:    log,
		db:     db,
		config: config,

		store:    opts.Store,
		stats:    opts.Stats,
		sequence: opts.Sequence,
		events:   opts.Events,

		connectors: opts.Connectors,
		datatypes:  opts.DataTypes,

		modes:       opts.Modes,
		leases:      opts.Leases,
		deployments: opts.Deployments,

		cluster:  opts.Cluster,
		serverID: opts.ServerID,

		scripts: opts.Scripts,
		batches: opts.Batches,

		channels: map[string]*deployed{},
		names:    map[string]string{},
	}, nil
}

// Deploy validates the configuration, builds the channel runtime, persists
// the definition, and leaves the channel STOPPED. Deploying the revision
// already deployed is a no-op; a different revision replaces the runtime.
func (controller *Controller) Deploy(ctx context.Context, config channel.Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := config.Validate(); err != nil {
		return err
	}

	if existing := controller.entry(config.ID); existing != nil {
		if existing.runtime.Config().Revision == config.Revision {
			controller.log.Info("channel already deployed",
				zap.String("channel_id", config.ID),
				zap.Int("revision", config.Revision))
			return nil
		}
		// Replacing a revision goes through a full stop so queues drain
		// and the old runtime's events end at UNDEPLOYED.
		if err := existing.runtime.Stop(ctx); err != nil {
			return Error.Wrap(err)
		}
		if err := existing.runtime.Undeployed(); err != nil {
			return Error.Wrap(err)
		}
		controller.forget(config.ID, existing.runtime.Name())
	}

	runtime, polling, err := controller.build(ctx, config)
	if err != nil {
		return err
	}

	if len(config.MetadataColumns) > 0 {
		if err := controller.store.DB().EnsureMetadataColumns(ctx, config.MetadataColumns); err != nil {
			return Error.Wrap(err)
		}
	}

	encoded, err := yaml.Marshal(config)
	if err != nil {
		return Error.Wrap(err)
	}
	err = controller.db.Upsert(ctx, ChannelRecord{
		ChannelID: config.ID,
		Name:      config.Name,
		Revision:  config.Revision,
		Config:    encoded,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if controller.deployments != nil {
		if err := controller.deployments.RecordDeployment(ctx, config.ID, config.Revision); err != nil {
			return Error.Wrap(err)
		}
	}

	if err := runtime.Deployed(); err != nil {
		return err
	}

	controller.mu.Lock()
	controller.channels[config.ID] = &deployed{runtime: runtime, polling: polling}
	controller.names[config.Name] = config.ID
	controller.mu.Unlock()

	controller.log.Info("channel deployed",
		zap.String("channel_id", config.ID),
		zap.String("channel", config.Name),
		zap.Int("revision", config.Revision))
	return nil
}

// build resolves every registered collaborator the configuration names.
// Unknown transports, data types, attachment handlers, and selector
// variants all fail here, before any state changes.
func (controller *Controller) build(ctx context.Context, config channel.Config) (_ *channel.Channel, polling bool, err error) {
	inCodec, err := controller.datatypes.Codec(config.Source.DataType)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	outCodec := inCodec
	if config.Source.OutDataType != "" {
		outCodec, err = controller.datatypes.Codec(config.Source.OutDataType)
		if err != nil {
			return nil, false, Error.Wrap(err)
		}
	}

	source, err := controller.connectors.NewSource(config.Source.Transport, config.Source.Properties)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}

	destinations := map[int]connector.Destination{}
	validators := map[int]datatype.ResponseValidator{}
	for _, dest := range config.Destinations {
		if dest.Disabled {
			continue
		}
		conn, err := controller.connectors.NewDestination(dest.Transport, dest.Properties)
		if err != nil {
			return nil, false, Error.Wrap(err)
		}
		destinations[dest.MetadataID] = conn
		// Response validation applies only where the destination declares
		// a data type; raw destinations accept anything.
		if dest.DataType != "" {
			if _, err := controller.datatypes.Codec(dest.DataType); err != nil {
				return nil, false, Error.Wrap(err)
			}
			validators[dest.MetadataID] = controller.datatypes.Validator(dest.DataType)
		}
	}

	attachments, err := attachment.NewHandler(config.Attachments, controller.store)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}

	var scripts channel.Scripts
	if controller.scripts != nil {
		scripts, err = controller.scripts.ScriptsFor(ctx, config)
		if err != nil {
			return nil, false, Error.Wrap(err)
		}
	}

	var batch channel.BatchFactory
	if config.Source.Batch {
		if controller.batches == nil {
			return nil, false, Error.New("channel %s: batch enabled without a batch provider", config.ID)
		}
		batch, err = controller.batches.BatchFor(ctx, config)
		if err != nil {
			return nil, false, Error.Wrap(err)
		}
	}

	channelLog := controller.log.Named("channel").With(
		zap.String("channel_id", config.ID),
		zap.String("channel", config.Name))

	runtime, err := channel.New(channelLog, config, channel.Dependencies{
		Store:    controller.store,
		Stats:    controller.stats,
		Sequence: controller.sequence,
		Events:   controller.events,
		ServerID: controller.serverID,

		Source:       source,
		Destinations: destinations,

		InCodec:    inCodec,
		OutCodec:   outCodec,
		Responder:  controller.datatypes.ResponderFor(config.Source.DataType, config.Source.FilteredAckCode),
		Validators: validators,

		Attachments: attachments,
		Scripts:     scripts,
		Batch:       batch,
		Gate:        controller,
	})
	if err != nil {
		return nil, false, err
	}
	return runtime, source.Polling(), nil
}

// Undeploy stops and removes a deployed channel. Unknown channels are a
// no-op. The persisted definition stays in the registry; only this
// server's deployment row is removed.
func (controller *Controller) Undeploy(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, id := controller.resolve(channelID)
	if entry == nil {
		return nil
	}

	if err := entry.runtime.Stop(ctx); err != nil {
		return err
	}
	if err := entry.runtime.Undeployed(); err != nil {
		return err
	}
	if controller.deployments != nil {
		if err := controller.deployments.RemoveDeployment(ctx, id); err != nil {
			return Error.Wrap(err)
		}
	}
	controller.forget(id, entry.runtime.Name())

	controller.log.Info("channel undeployed", zap.String("channel_id", id))
	return nil
}

// Start starts a deployed channel. Starting a started channel is a no-op.
func (controller *Controller) Start(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return ErrNotDeployed.New("%s", channelID)
	}
	return entry.runtime.Start(ctx)
}

// Stop stops a deployed channel. Stopping a stopped channel is a no-op.
func (controller *Controller) Stop(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return ErrNotDeployed.New("%s", channelID)
	}
	return entry.runtime.Stop(ctx)
}

// Pause suspends the source connector of a started channel.
func (controller *Controller) Pause(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return ErrNotDeployed.New("%s", channelID)
	}
	return entry.runtime.Pause(ctx)
}

// Resume restarts the source connector of a paused channel.
func (controller *Controller) Resume(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return ErrNotDeployed.New("%s", channelID)
	}
	return entry.runtime.Resume(ctx)
}

// DispatchRawMessage is the single entry point for handing a raw message
// to a channel. Channels deployed here ingest locally; channels deployed
// only on peers are dispatched remotely; unknown channels error.
func (controller *Controller) DispatchRawMessage(ctx context.Context, channelID string, raw []byte, sourceMap map[string]any) (_ *DispatchResult, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, id := controller.resolve(channelID)
	if entry != nil {
		return controller.dispatchLocal(ctx, id, entry, raw, sourceMap)
	}

	if controller.deployments != nil {
		remote, err := controller.deployments.DispatchRemote(ctx, channelID, raw, sourceMap)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{
			MessageID: remote.MessageID,
			Status:    msgstore.Status(remote.Status),
			Remote:    true,
		}, nil
	}
	return nil, ErrNotDeployed.New("%s", channelID)
}

func (controller *Controller) dispatchLocal(ctx context.Context, id string, entry *deployed, raw []byte, sourceMap map[string]any) (*DispatchResult, error) {
	if !controller.modes.WriteAllowed(id) {
		return nil, Error.New("channel %s: writes rejected in shadow mode", id)
	}
	if !entry.runtime.State().Running() {
		return nil, Error.New("channel %s is not started", id)
	}

	result, err := entry.runtime.Ingest(ctx, connector.RawMessage{Data: raw, SourceMap: sourceMap})
	if err != nil {
		return nil, err
	}

	status := msgstore.StatusReceived
	if cm, err := controller.store.DB().GetConnectorMessage(ctx, id, result.MessageID, msgstore.SourceMetadataID); err == nil && cm != nil {
		status = cm.Status
	}
	return &DispatchResult{
		MessageID: result.MessageID,
		Status:    status,
		Response:  result.Response,
	}, nil
}

// Route implements connector.Router for in-process channel writers.
func (controller *Controller) Route(ctx context.Context, channelID string, raw connector.RawMessage) (*connector.Response, error) {
	result, err := controller.DispatchRawMessage(ctx, channelID, raw.Data, raw.SourceMap)
	if err != nil {
		return nil, err
	}
	if result.Response != nil {
		return result.Response, nil
	}
	return &connector.Response{
		Status:        result.Status,
		StatusMessage: "dispatched to channel " + channelID,
	}, nil
}

// DeployedChannel returns the runtime of a deployed channel.
func (controller *Controller) DeployedChannel(channelID string) (*channel.Channel, bool) {
	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return nil, false
	}
	return entry.runtime, true
}

// DeployedChannels returns every deployed runtime sorted by channel id.
func (controller *Controller) DeployedChannels() []*channel.Channel {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	channels := make([]*channel.Channel, 0, len(controller.channels))
	for _, entry := range controller.channels {
		channels = append(channels, entry.runtime)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID() < channels[j].ID() })
	return channels
}

// ChannelRunning reports the lifecycle state of a channel for health
// probes.
func (controller *Controller) ChannelRunning(channelID string) (running, isDeployed bool) {
	entry, _ := controller.resolve(channelID)
	if entry == nil {
		return false, false
	}
	return entry.runtime.State() == channel.StateStarted, true
}

// PruneSettings implements msgstore.RetentionSource over the deployed set.
func (controller *Controller) PruneSettings() []msgstore.PruneSetting {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	settings := make([]msgstore.PruneSetting, 0, len(controller.channels))
	for _, entry := range controller.channels {
		settings = append(settings, entry.runtime.PruneSetting())
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].ChannelID < settings[j].ChannelID })
	return settings
}

// StopAll stops every deployed channel, for shutdown.
func (controller *Controller) StopAll(ctx context.Context) error {
	var group errs.Group
	for _, runtime := range controller.DeployedChannels() {
		group.Add(runtime.Stop(ctx))
	}
	return group.Err()
}

// Close stops all channels with a background context.
func (controller *Controller) Close() error {
	return controller.StopAll(context.Background())
}

func (controller *Controller) entry(channelID string) *deployed {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.channels[channelID]
}

// resolve finds a deployed channel by id, falling back to its name.
func (controller *Controller) resolve(channelID string) (*deployed, string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	if entry, ok := controller.channels[channelID]; ok {
		return entry, channelID
	}
	if id, ok := controller.names[channelID]; ok {
		return controller.channels[id], id
	}
	return nil, channelID
}

func (controller *Controller) forget(channelID, name string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	delete(controller.channels, channelID)
	if controller.names[name] == channelID {
		delete(controller.names, name)
	}
}
