// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package engine assembles a Meridian instance from its services and runs
// them under one lifecycle.
package engine

import (
	"context"
	"errors"
	"net"
	"runtime/pprof"
	"strconv"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/debug"

	"github.com/meridian-hie/meridian/engine/artifact"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/datatype/hl7"
	"github.com/meridian-hie/meridian/engine/dispatch"
	"github.com/meridian-hie/meridian/engine/encryption"
	"github.com/meridian-hie/meridian/engine/events"
	"github.com/meridian-hie/meridian/engine/health"
	"github.com/meridian-hie/meridian/engine/identity"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/mode"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/registry"
	"github.com/meridian-hie/meridian/engine/sequence"
	"github.com/meridian-hie/meridian/engine/server"
	"github.com/meridian-hie/meridian/engine/stats"
	"github.com/meridian-hie/meridian/private/lifecycle"
)

var (
	// Error is the default engine errs class.
	Error = errs.Class("engine")

	mon = monkit.Package()
)

// DB is the master database for the engine.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest initializes the database.
	MigrateToLatest(ctx context.Context) error
	// CheckVersion checks the database is the correct version.
	CheckVersion(ctx context.Context) error
	// Close closes the database.
	Close() error

	// Messages returns the message store database.
	Messages() msgstore.DB
	// Sequences returns the message id block database.
	Sequences() sequence.DB
	// Servers returns the cluster registry database.
	Servers() registry.DB
	// Leases returns the polling lease database.
	Leases() lease.DB
	// Deployments returns the channel deployment database.
	Deployments() dispatch.DB
	// Channels returns the deployed channel configuration database.
	Channels() controller.DB
	// Artifacts returns the artifact sync tracking database.
	Artifacts() artifact.DB
}

// Config is all the configuration for a Meridian instance.
//
// The cluster coordination settings are not here: they arrive through the
// MIRTH_* environment shared with the legacy peer, read once in main via
// identity.ClusterFromEnv and passed to New.
type Config struct {
	Identity identity.Config

	Server server.Config
	Debug  debug.Config

	Controller controller.Config
	Encryption encryption.Config
	Pruner     msgstore.PrunerConfig
	Stats      stats.ChoreConfig

	RegistrySweeper registry.SweeperConfig
	LeaseSweeper    lease.SweeperConfig

	Dispatch dispatch.ClientConfig
}

// Peer is the representation of a running Meridian instance.
//
// architecture: Peer
type Peer struct {
	// core dependencies
	Log      *zap.Logger
	Identity *identity.Identity
	DB       DB
	Cluster  identity.ClusterConfig

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Events *events.Bus

	Connectors *connector.Registry
	DataTypes  *datatype.Registry

	Modes *mode.Controller

	Messages struct {
		Encryptor *encryption.Encryptor
		Store     *msgstore.Service
		Pruner    *msgstore.Pruner
	}

	Stats struct {
		Service *stats.Service
		Chore   *stats.Chore
	}

	Sequence struct {
		Allocator *sequence.Allocator
	}

	// cluster coordination; nil when clustering is disabled
	Registry struct {
		Service *registry.Service
		Chore   *registry.Chore
		Sweeper *registry.Sweeper
	}

	Leases struct {
		Manager *lease.Manager
		Sweeper *lease.Sweeper
	}

	Dispatch struct {
		Client  *dispatch.Client
		Service *dispatch.Service
	}

	Artifacts struct {
		Service *artifact.Service
	}

	Controller *controller.Controller

	Health *health.Service

	API struct {
		Listener net.Listener
		Server   *server.Server
	}
}

// New creates a new Meridian instance.
func New(log *zap.Logger, ident *identity.Identity, db DB,
	cluster identity.ClusterConfig, config *Config,
	atomicLogLevel *zap.AtomicLevel) (*Peer, error) {
	peer := &Peer{
		Log:      log,
		Identity: ident,
		DB:       db,
		Cluster:  cluster,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup debug
		var err error
		if config.Debug.Addr != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Addr)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Debug("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		debugConfig := config.Debug
		debugConfig.ControlTitle = "Engine"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	var err error

	{ // setup shared registries
		peer.Events = events.NewBus(log.Named("events"))

		peer.Connectors = connector.NewRegistry()
		peer.Connectors.RegisterSource(connector.TransportChannelReader, connector.NewChannelReader)

		peer.DataTypes = datatype.NewRegistry()
		peer.DataTypes.Register(hl7.Codec{})
		peer.DataTypes.RegisterResponderFactory(hl7.Name, func(filteredCode string) datatype.AutoResponder {
			return hl7.NewACKGenerator(hl7.ResponderConfig{FilteredCode: filteredCode})
		})
		peer.DataTypes.RegisterValidator(hl7.Name, hl7.ACKValidator{})
	}

	{ // setup operating mode
		peer.Modes = mode.NewController(cluster)
	}

	{ // setup message store
		peer.Messages.Encryptor, err = encryption.NewEncryptor(config.Encryption)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Messages.Store = msgstore.NewService(log.Named("msgstore"), db.Messages(), peer.Messages.Encryptor)
	}

	{ // setup statistics
		peer.Stats.Service = stats.NewService(log.Named("stats"), db.Messages())
		peer.Stats.Chore = stats.NewChore(log.Named("stats:chore"), config.Stats, peer.Stats.Service)
		peer.Services.Add(lifecycle.Item{
			Name:  "stats:chore",
			Run:   peer.Stats.Chore.Run,
			Close: peer.Stats.Chore.Close,
		})
	}

	{ // setup id allocation
		peer.Sequence.Allocator = sequence.NewAllocator(log.Named("sequence"), db.Sequences(), ident.ServerID,
			sequence.Config{BlockSize: cluster.SequenceBlockSize})
	}

	{ // setup api listener
		// The listener is bound before the cluster registry so the
		// registered node row carries the resolved port.
		peer.API.Listener, err = net.Listen("tcp", config.Server.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	if cluster.Enabled {
		{ // setup server registry
			port := listenerPort(peer.API.Listener)
			self := registry.Node{
				ServerID:  ident.ServerID,
				Hostname:  ident.Hostname,
				Port:      port,
				APIURL:    "http://" + net.JoinHostPort(ident.Hostname, strconv.Itoa(port)),
				StartedAt: ident.StartedAt,
				Status:    peer.Modes.RegistrationStatus(),
			}
			peer.Registry.Service = registry.NewService(log.Named("registry"), db.Servers(), self, registry.Config{
				HeartbeatInterval: cluster.HeartbeatInterval,
				HeartbeatTimeout:  cluster.HeartbeatTimeout,
				QuorumEnabled:     cluster.QuorumEnabled,
			})
			peer.Registry.Chore = registry.NewChore(log.Named("registry:chore"), peer.Registry.Service)
			peer.Services.Add(lifecycle.Item{
				Name:  "registry:chore",
				Run:   peer.Registry.Chore.Run,
				Close: peer.Registry.Chore.Close,
			})
			peer.Registry.Sweeper = registry.NewSweeper(log.Named("registry:sweeper"), config.RegistrySweeper, peer.Registry.Service)
			peer.Services.Add(lifecycle.Item{
				Name:  "registry:sweeper",
				Run:   peer.Registry.Sweeper.Run,
				Close: peer.Registry.Sweeper.Close,
			})
		}

		{ // setup polling leases
			peer.Leases.Manager = lease.NewManager(log.Named("lease"), db.Leases(), ident.ServerID,
				lease.Config{TTL: cluster.LeaseTTL})
			peer.Services.Add(lifecycle.Item{
				Name:  "lease:manager",
				Close: peer.Leases.Manager.Close,
			})
			peer.Leases.Sweeper = lease.NewSweeper(log.Named("lease:sweeper"), config.LeaseSweeper, db.Leases())
			peer.Services.Add(lifecycle.Item{
				Name:  "lease:sweeper",
				Run:   peer.Leases.Sweeper.Run,
				Close: peer.Leases.Sweeper.Close,
			})
		}

		{ // setup remote dispatch
			peer.Dispatch.Client = dispatch.NewClient(cluster.Secret, config.Dispatch)
			peer.Dispatch.Service = dispatch.NewService(log.Named("dispatch"), db.Deployments(),
				peer.Dispatch.Client, peer.Registry.Service, ident.ServerID)
		}
	}

	{ // setup artifact tracking
		peer.Artifacts.Service = artifact.NewService(log.Named("artifact"), db.Artifacts())
	}

	{ // setup engine controller
		peer.Controller, err = controller.NewController(log.Named("controller"), db.Channels(), config.Controller, controller.Options{
			Store:    peer.Messages.Store,
			Stats:    peer.Stats.Service,
			Sequence: peer.Sequence.Allocator,
			Events:   peer.Events,

			Connectors: peer.Connectors,
			DataTypes:  peer.DataTypes,

			Modes:       peer.Modes,
			Leases:      peer.Leases.Manager,
			Deployments: peer.Dispatch.Service,

			Cluster:  cluster,
			ServerID: ident.ServerID,
		})
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		// The channel writer routes through the controller, so it can only
		// be registered once the controller exists.
		peer.Connectors.RegisterDestination(connector.TransportChannelWriter, connector.ChannelWriterFactory(peer.Controller))

		peer.Services.Add(lifecycle.Item{
			Name:  "controller",
			Close: peer.Controller.Close,
		})
	}

	{ // setup message pruning
		peer.Messages.Pruner = msgstore.NewPruner(log.Named("pruner"), config.Pruner, db.Messages(), peer.Controller)
		peer.Services.Add(lifecycle.Item{
			Name:  "pruner",
			Run:   peer.Messages.Pruner.Run,
			Close: peer.Messages.Pruner.Close,
		})
	}

	{ // setup health probes
		var quorum health.QuorumSource
		if peer.Registry.Service != nil {
			quorum = quorumSource{registry: peer.Registry.Service}
		}
		peer.Health = health.NewService(log.Named("health"), quorum)
	}

	{ // setup api server
		peer.API.Server = server.NewServer(log.Named("api"), config.Server, server.Services{
			Controller: peer.Controller,
			Health:     peer.Health,
			Modes:      peer.Modes,
			Artifacts:  peer.Artifacts.Service,
			Stats:      peer.Stats.Service,

			Registry: peer.Registry.Service,
			Leases:   peer.Leases.Manager,

			DispatchSecret: cluster.Secret,
		}, peer.API.Listener)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	{ // setup shutdown ordering
		// Items close in reverse order: readiness flips first, then the
		// registry row goes OFFLINE, then chores stop.
		if peer.Registry.Service != nil {
			peer.Services.Add(lifecycle.Item{
				Name: "registry:deregister",
				Close: func() error {
					return peer.Registry.Service.Deregister(context.Background())
				},
			})
		}
		peer.Services.Add(lifecycle.Item{
			Name: "startup",
			Run:  peer.runStartup,
		})
		peer.Services.Add(lifecycle.Item{
			Name: "health",
			Close: func() error {
				peer.Health.BeginShutdown()
				return nil
			},
		})
	}

	return peer, nil
}

// runStartup performs the ordered boot work: clearing deployments left by an
// unclean shutdown, deploying the startup set, and opening the readiness
// gate.
func (peer *Peer) runStartup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if peer.Dispatch.Service != nil {
		if err := peer.Dispatch.Service.CleanupServer(ctx); err != nil {
			return err
		}
	}
	if err := peer.Controller.DeployStartupSet(ctx); err != nil {
		return err
	}
	peer.Health.SetStartupComplete()
	peer.Log.Info("startup complete",
		zap.String("server_id", peer.Identity.ServerID),
		zap.String("address", peer.Addr()))
	return nil
}

// Run runs the instance until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "engine"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// ID returns the server id this instance runs under.
func (peer *Peer) ID() string { return peer.Identity.ServerID }

// Addr returns the api address, for tests against an ephemeral port.
func (peer *Peer) Addr() string {
	if peer.API.Listener == nil {
		return ""
	}
	return peer.API.Listener.Addr().String()
}

// quorumSource adapts the registry quorum computation to the health probe.
type quorumSource struct {
	registry *registry.Service
}

func (source quorumSource) HasQuorum(ctx context.Context) (bool, error) {
	status, err := source.registry.Quorum(ctx)
	if err != nil {
		return false, err
	}
	return status.Has, nil
}

func listenerPort(listener net.Listener) int {
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
