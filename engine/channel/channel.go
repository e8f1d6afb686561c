// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package channel runs the per-channel message pipeline: source intake,
// filtering, transformation, durable destination queues, delivery with
// retry, and response selection.
package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-hie/meridian/engine/attachment"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/events"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/sequence"
	"github.com/meridian-hie/meridian/engine/stats"
)

var (
	// Error is the default channel errs class.
	Error = errs.Class("channel")

	mon = monkit.Package()
)

// SourceGate decides whether the source connector may run when the channel
// starts. The engine controller wires the operating-mode guard and polling
// lease acquisition behind it.
type SourceGate interface {
	// AcquireSource reports whether the source may start. A non-nil lost
	// channel signals that an acquired lease was lost and the source must
	// stop. release is called when the channel stops; it may be nil.
	AcquireSource(ctx context.Context, config Config) (run bool, lost <-chan struct{}, release func(), err error)
}

// Dependencies are the collaborators a channel runtime is built from. The
// engine controller resolves them from the registries at deploy.
type Dependencies struct {
	Store    *msgstore.Service
	Stats    *stats.Service
	Sequence *sequence.Allocator
	Events   *events.Bus
	ServerID string

	Source connector.Source
	// Destinations maps metadata ids to built destination connectors.
	Destinations map[int]connector.Destination

	InCodec   datatype.Codec
	OutCodec  datatype.Codec
	Responder datatype.AutoResponder
	// Validators maps metadata ids to response validators.
	Validators map[int]datatype.ResponseValidator

	Attachments attachment.Handler
	Scripts     Scripts
	Batch       BatchFactory
	Gate        SourceGate
}

type destination struct {
	config    DestinationConfig
	conn      connector.Destination
	scripts   DestinationScripts
	validator datatype.ResponseValidator

	queue *Queue
}

// Channel is the runtime of one deployed channel.
//
// architecture: Service
type Channel struct {
	log    *zap.Logger
	config Config

	store    *msgstore.Service
	stats    *stats.Service
	sequence *sequence.Allocator
	events   *events.Bus
	serverID string

	source      connector.Source
	inCodec     datatype.Codec
	outCodec    datatype.Codec
	responder   datatype.AutoResponder
	attachments attachment.Handler
	scripts     Scripts
	batch       BatchFactory
	gate        SourceGate

	destinations []*destination

	nowFn func() time.Time

	mu            sync.Mutex
	state         State
	runCancel     context.CancelFunc
	workers       *errgroup.Group
	sourceStarted bool
	releaseGate   func()
	sourceWake    chan struct{}

	// completionMu serializes the end-of-message check so the
	// postprocessor runs exactly once.
	completionMu sync.Mutex
}

// New builds a channel runtime. The configuration must already be
// validated; New additionally checks that every enabled part has its
// collaborator wired.
func New(log *zap.Logger, config Config, deps Dependencies) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Sequence == nil {
		return nil, Error.New("channel %s: store and sequence allocator are required", config.ID)
	}
	if deps.Source == nil {
		return nil, Error.New("channel %s: source connector not built", config.ID)
	}
	if config.Source.Batch && deps.Batch == nil {
		return nil, Error.New("channel %s: batch enabled without a batch adaptor", config.ID)
	}

	channel := &Channel{
		log:    log,
		config: config,

		store:    deps.Store,
		stats:    deps.Stats,
		sequence: deps.Sequence,
		events:   deps.Events,
		serverID: deps.ServerID,

		source:      deps.Source,
		inCodec:     deps.InCodec,
		outCodec:    deps.OutCodec,
		responder:   deps.Responder,
		attachments: deps.Attachments,
		scripts:     deps.Scripts,
		batch:       deps.Batch,
		gate:        deps.Gate,

		nowFn: time.Now,

		state:      StateUndeployed,
		sourceWake: make(chan struct{}, 1),
	}
	if channel.inCodec == nil {
		channel.inCodec = datatype.Passthrough{}
	}
	if channel.outCodec == nil {
		channel.outCodec = channel.inCodec
	}
	if channel.responder == nil {
		channel.responder = datatype.NoResponse{}
	}
	if channel.attachments == nil {
		channel.attachments = attachment.Passthrough{}
	}

	for _, destConfig := range config.Destinations {
		if destConfig.Disabled {
			continue
		}
		conn, ok := deps.Destinations[destConfig.MetadataID]
		if !ok || conn == nil {
			return nil, Error.New("channel %s: destination %d connector not built", config.ID, destConfig.MetadataID)
		}
		validator := deps.Validators[destConfig.MetadataID]
		if validator == nil {
			validator = datatype.AcceptAll{}
		}
		channel.destinations = append(channel.destinations, &destination{
			config:    destConfig,
			conn:      conn,
			scripts:   deps.Scripts.Destinations[destConfig.MetadataID],
			validator: validator,
		})
	}
	sort.Slice(channel.destinations, func(i, j int) bool {
		return channel.destinations[i].config.MetadataID < channel.destinations[j].config.MetadataID
	})

	return channel, nil
}

// ID returns the channel id.
func (channel *Channel) ID() string { return channel.config.ID }

// Name returns the channel name.
func (channel *Channel) Name() string { return channel.config.Name }

// Config returns the deployed configuration.
func (channel *Channel) Config() Config { return channel.config }

// State returns the current lifecycle state.
func (channel *Channel) State() State {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	return channel.state
}

// Deployed transitions UNDEPLOYED to STOPPED.
func (channel *Channel) Deployed() error {
	return channel.transition(StateStopped)
}

// Undeployed transitions STOPPED to UNDEPLOYED.
func (channel *Channel) Undeployed() error {
	return channel.transition(StateUndeployed)
}

func (channel *Channel) transition(to State) error {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	return channel.transitionLocked(to)
}

func (channel *Channel) transitionLocked(to State) error {
	if !CanTransition(channel.state, to) {
		return Error.New("channel %s: cannot transition %s -> %s", channel.config.ID, channel.state, to)
	}
	channel.setStateLocked(to)
	return nil
}

func (channel *Channel) setStateLocked(to State) {
	previous := channel.state
	channel.state = to
	channel.log.Info("state changed",
		zap.String("previous", string(previous)),
		zap.String("current", string(to)))
	if channel.events != nil {
		channel.events.Publish(events.ChannelEvent{
			ChannelID: channel.config.ID,
			Name:      channel.config.Name,
			Previous:  string(previous),
			Current:   string(to),
			At:        channel.nowFn(),
		})
	}
}

// Start brings a stopped channel to STARTED: destination workers first,
// then the source queue reader, then the source connector. The source is
// skipped when the gate refuses it; the rest of the channel still runs.
func (channel *Channel) Start(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	channel.mu.Lock()
	if channel.state == StateStarted {
		channel.mu.Unlock()
		return nil
	}
	if err := channel.transitionLocked(StateStarting); err != nil {
		channel.mu.Unlock()
		return err
	}
	channel.mu.Unlock()

	runSource := true
	var lost <-chan struct{}
	var release func()
	if channel.gate != nil {
		runSource, lost, release, err = channel.gate.AcquireSource(ctx, channel.config)
		if err != nil {
			channel.revertToStopped()
			return Error.Wrap(err)
		}
	}

	// Workers detach from the caller: an API request starts the channel
	// but does not own its lifetime.
	runCtx, runCancel := context.WithCancel(context.Background())
	workers, workersCtx := errgroup.WithContext(runCtx)

	channel.mu.Lock()
	channel.runCancel = runCancel
	channel.workers = workers
	channel.releaseGate = release
	channel.sourceStarted = false
	for _, dest := range channel.destinations {
		dest.queue = NewQueue(channel.store.DB(), channel.config.ID, dest.config.MetadataID, dest.config.Queue.buffer())
	}
	channel.mu.Unlock()

	for _, dest := range channel.destinations {
		dest := dest
		for i := 0; i < dest.config.Queue.threads(); i++ {
			workers.Go(func() error {
				channel.destinationWorker(workersCtx, dest)
				return nil
			})
		}
	}
	if channel.config.Source.QueueEnabled {
		workers.Go(func() error {
			channel.sourceReader(workersCtx)
			return nil
		})
	}

	if runSource {
		if err := channel.source.Start(runCtx, channel); err != nil {
			channel.stopWorkers()
			channel.revertToStopped()
			return Error.Wrap(err)
		}
		channel.mu.Lock()
		channel.sourceStarted = true
		channel.mu.Unlock()

		if lost != nil {
			workers.Go(func() error {
				select {
				case <-lost:
					channel.log.Warn("polling lease lost, stopping source connector")
					if err := channel.source.Stop(context.Background()); err != nil {
						channel.log.Error("source stop after lease loss failed", zap.Error(err))
					}
				case <-workersCtx.Done():
				}
				return nil
			})
		}
	} else {
		channel.log.Info("source connector not started",
			zap.String("transport", channel.config.Source.Transport))
	}

	return channel.transition(StateStarted)
}

// Stop brings a running or paused channel to STOPPED. The source stops
// first so no new messages arrive while queues drain their in-flight
// items.
func (channel *Channel) Stop(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	channel.mu.Lock()
	switch channel.state {
	case StateStopped, StateUndeployed:
		channel.mu.Unlock()
		return nil
	}
	if err := channel.transitionLocked(StateStopping); err != nil {
		channel.mu.Unlock()
		return err
	}
	sourceStarted := channel.sourceStarted
	channel.mu.Unlock()

	if sourceStarted {
		if err := channel.source.Stop(ctx); err != nil {
			channel.log.Error("source stop failed", zap.Error(err))
		}
	}
	channel.stopWorkers()

	// Abandon the rest of the claimed sequence block; a later start claims
	// a fresh one.
	channel.sequence.Release(channel.config.ID)

	return channel.transition(StateStopped)
}

// Pause suspends the source connector. Destination queues keep working.
func (channel *Channel) Pause(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	channel.mu.Lock()
	if channel.state == StatePaused {
		channel.mu.Unlock()
		return nil
	}
	if err := channel.transitionLocked(StatePausing); err != nil {
		channel.mu.Unlock()
		return err
	}
	sourceStarted := channel.sourceStarted
	channel.mu.Unlock()

	if sourceStarted {
		if err := channel.source.Pause(ctx); err != nil {
			channel.log.Error("source pause failed", zap.Error(err))
		}
	}
	return channel.transition(StatePaused)
}

// Resume restarts a paused source connector.
func (channel *Channel) Resume(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	channel.mu.Lock()
	if channel.state == StateStarted {
		channel.mu.Unlock()
		return nil
	}
	if err := channel.transitionLocked(StateResuming); err != nil {
		channel.mu.Unlock()
		return err
	}
	sourceStarted := channel.sourceStarted
	channel.mu.Unlock()

	if sourceStarted {
		if err := channel.source.Resume(ctx); err != nil {
			channel.log.Error("source resume failed", zap.Error(err))
		}
	}
	return channel.transition(StateStarted)
}

func (channel *Channel) revertToStopped() {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	channel.setStateLocked(StateStopped)
}

func (channel *Channel) stopWorkers() {
	channel.mu.Lock()
	workers := channel.workers
	runCancel := channel.runCancel
	release := channel.releaseGate
	queues := make([]*Queue, 0, len(channel.destinations))
	for _, dest := range channel.destinations {
		if dest.queue != nil {
			queues = append(queues, dest.queue)
		}
	}
	channel.workers = nil
	channel.runCancel = nil
	channel.releaseGate = nil
	channel.mu.Unlock()

	for _, queue := range queues {
		queue.Stop()
	}
	if runCancel != nil {
		runCancel()
	}
	if workers != nil {
		_ = workers.Wait()
	}
	if release != nil {
		release()
	}
}

// Queue returns the queue of a destination, for observation.
func (channel *Channel) Queue(metadataID int) *Queue {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	for _, dest := range channel.destinations {
		if dest.config.MetadataID == metadataID {
			return dest.queue
		}
	}
	return nil
}

// PruneSetting reports the retention policy of this channel.
func (channel *Channel) PruneSetting() msgstore.PruneSetting {
	return msgstore.PruneSetting{
		ChannelID: channel.config.ID,
		KeepFor:   channel.config.KeepFor,
	}
}

// TestingSetNow allows tests to have the channel act as if the current time is whatever they want.
func (channel *Channel) TestingSetNow(nowFn func() time.Time) {
	channel.nowFn = nowFn
}

func (channel *Channel) destinationWorker(ctx context.Context, dest *destination) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := dest.queue.PollTimeout(ctx, time.Second)
		if !ok {
			continue
		}
		channel.processQueued(ctx, dest, item)
	}
}

// sourceReader drains the source queue: messages persisted by intake whose
// source connector message is still RECEIVED.
func (channel *Channel) sourceReader(ctx context.Context) {
	var after int64
	for ctx.Err() == nil {
		messages, err := channel.store.DB().NextMessages(ctx, channel.config.ID, after, 100)
		if err != nil {
			channel.log.Error("source queue read failed", zap.Error(err))
			channel.sourceReaderWait(ctx)
			continue
		}

		worked := false
		for _, msg := range messages {
			if msg.MessageID > after {
				after = msg.MessageID
			}
			if msg.Processed || msg.ServerID != channel.serverID {
				continue
			}
			cm, err := channel.store.DB().GetConnectorMessage(ctx, channel.config.ID, msg.MessageID, msgstore.SourceMetadataID)
			if err != nil || cm == nil || cm.Status != msgstore.StatusReceived {
				continue
			}
			worked = true
			if err := channel.resumeSource(ctx, msg.MessageID); err != nil {
				channel.log.Error("source queue processing failed",
					zap.Int64("message_id", msg.MessageID),
					zap.Error(err))
			}
		}
		if len(messages) == 0 && !worked {
			channel.sourceReaderWait(ctx)
		}
	}
}

func (channel *Channel) sourceReaderWait(ctx context.Context) {
	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-channel.sourceWake:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (channel *Channel) wakeSourceReader() {
	select {
	case channel.sourceWake <- struct{}{}:
	default:
	}
}
