// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controller_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/encryption"
	"github.com/meridian-hie/meridian/engine/events"
	"github.com/meridian-hie/meridian/engine/identity"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/mode"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/msgstore/teststore"
	"github.com/meridian-hie/meridian/engine/sequence"
	"github.com/meridian-hie/meridian/engine/stats"
)

type channelDB struct {
	mu      sync.Mutex
	records map[string]controller.ChannelRecord
}

func newChannelDB() *channelDB {
	return &channelDB{records: map[string]controller.ChannelRecord{}}
}

func (db *channelDB) Upsert(ctx context.Context, record controller.ChannelRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[record.ChannelID] = record
	return nil
}

func (db *channelDB) Get(ctx context.Context, channelID string) (*controller.ChannelRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if record, ok := db.records[channelID]; ok {
		return &record, nil
	}
	return nil, nil
}

func (db *channelDB) All(ctx context.Context) ([]controller.ChannelRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []controller.ChannelRecord
	for _, record := range db.records {
		out = append(out, record)
	}
	return out, nil
}

func (db *channelDB) Delete(ctx context.Context, channelID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.records, channelID)
	return nil
}

type testSource struct {
	polling bool

	mu      sync.Mutex
	started bool
}

func (source *testSource) Start(ctx context.Context, dispatch connector.Dispatcher) error {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.started = true
	return nil
}

func (source *testSource) Stop(ctx context.Context) error {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.started = false
	return nil
}

func (source *testSource) Pause(ctx context.Context) error  { return nil }
func (source *testSource) Resume(ctx context.Context) error { return nil }
func (source *testSource) Polling() bool                    { return source.polling }

func (source *testSource) Started() bool {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.started
}

type testSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (sender *testSender) Send(ctx context.Context, payload connector.Payload) (*connector.Response, error) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.sent = append(sender.sent, payload.Data)
	return &connector.Response{Status: msgstore.StatusSent, Data: []byte("OK")}, nil
}

func (sender *testSender) Count() int {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return len(sender.sent)
}

type harness struct {
	controller *controller.Controller
	db         *teststore.DB
	channels   *channelDB
	source     *testSource
	sender     *testSender
	modes      *mode.Controller
}

type harnessOptions struct {
	cluster identity.ClusterConfig
	leases  *lease.Manager
	polling bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	log := zaptest.NewLogger(t)
	db := teststore.New()

	enc, err := encryption.NewEncryptor(encryption.Config{})
	require.NoError(t, err)
	store := msgstore.NewService(log, db, enc)

	source := &testSource{polling: opts.polling}
	sender := &testSender{}
	connectors := connector.NewRegistry()
	connectors.RegisterSource("Test Reader", func(connector.Properties) (connector.Source, error) {
		return source, nil
	})
	connectors.RegisterDestination("Test Sender", func(connector.Properties) (connector.Destination, error) {
		return sender, nil
	})

	modes := mode.NewController(opts.cluster)
	channels := newChannelDB()

	ctrl, err := controller.NewController(log.Named("controller"), channels, controller.Config{}, controller.Options{
		Store:      store,
		Stats:      stats.NewService(log.Named("stats"), db),
		Sequence:   sequence.NewAllocator(log.Named("sequence"), db, "server-1", sequence.Config{BlockSize: 10}),
		Events:     events.NewBus(log.Named("events")),
		Connectors: connectors,
		DataTypes:  datatype.NewRegistry(),
		Modes:      modes,
		Leases:     opts.leases,
		Cluster:    opts.cluster,
		ServerID:   "server-1",
	})
	require.NoError(t, err)

	return &harness{
		controller: ctrl,
		db:         db,
		channels:   channels,
		source:     source,
		sender:     sender,
		modes:      modes,
	}
}

func testChannelConfig(id string) channel.Config {
	return channel.Config{
		ID:       id,
		Name:     "Channel " + id,
		Revision: 1,
		Source:   channel.SourceConfig{Transport: "Test Reader"},
		Destinations: []channel.DestinationConfig{
			{MetadataID: 1, Name: "sender", Transport: "Test Sender"},
		},
	}
}

func TestDeployLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{})
	ctrl := harness.controller
	defer ctx.Check(ctrl.Close)

	config := testChannelConfig("c1")
	require.NoError(t, ctrl.Deploy(ctx, config))

	runtime, ok := ctrl.DeployedChannel("c1")
	require.True(t, ok)
	require.Equal(t, channel.StateStopped, runtime.State())

	// Deploying the identical revision again changes nothing.
	require.NoError(t, ctrl.Deploy(ctx, config))
	require.Len(t, ctrl.DeployedChannels(), 1)

	record, err := harness.channels.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 1, record.Revision)
	require.NotEmpty(t, record.Config)

	require.NoError(t, ctrl.Start(ctx, "c1"))
	require.Equal(t, channel.StateStarted, runtime.State())
	require.True(t, harness.source.Started())
	require.NoError(t, ctrl.Start(ctx, "c1"), "starting a started channel is a no-op")

	result, err := ctrl.DispatchRawMessage(ctx, "c1", []byte("hello"), nil)
	require.NoError(t, err)
	require.False(t, result.Remote)
	require.Equal(t, int64(1), result.MessageID)
	require.Equal(t, msgstore.StatusTransformed, result.Status)
	require.Equal(t, 1, harness.sender.Count())

	running, deployed := ctrl.ChannelRunning("c1")
	require.True(t, running)
	require.True(t, deployed)

	require.NoError(t, ctrl.Pause(ctx, "c1"))
	require.Equal(t, channel.StatePaused, runtime.State())
	require.NoError(t, ctrl.Resume(ctx, "c1"))
	require.Equal(t, channel.StateStarted, runtime.State())

	require.NoError(t, ctrl.Stop(ctx, "c1"))
	require.Equal(t, channel.StateStopped, runtime.State())
	require.False(t, harness.source.Started())

	require.NoError(t, ctrl.Undeploy(ctx, "c1"))
	_, ok = ctrl.DeployedChannel("c1")
	require.False(t, ok)
	require.NoError(t, ctrl.Undeploy(ctx, "c1"), "undeploying an unknown channel is a no-op")

	// The persisted definition survives undeploy.
	record, err = harness.channels.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestDeployValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{})
	ctrl := harness.controller

	config := testChannelConfig("c1")
	config.Source.Transport = "No Such Transport"
	require.Error(t, ctrl.Deploy(ctx, config))
	require.Empty(t, ctrl.DeployedChannels())

	config = testChannelConfig("c1")
	config.Source.DataType = "NO_SUCH_TYPE"
	require.Error(t, ctrl.Deploy(ctx, config))
	require.Empty(t, ctrl.DeployedChannels())

	config = testChannelConfig("c1")
	config.ResponseSelector = "bogus"
	require.Error(t, ctrl.Deploy(ctx, config))
	require.Empty(t, ctrl.DeployedChannels())
}

func TestDeployReplacesRevision(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{})
	ctrl := harness.controller
	defer ctx.Check(ctrl.Close)

	config := testChannelConfig("c1")
	require.NoError(t, ctrl.Deploy(ctx, config))
	require.NoError(t, ctrl.Start(ctx, "c1"))

	config.Revision = 2
	require.NoError(t, ctrl.Deploy(ctx, config))

	runtime, ok := ctrl.DeployedChannel("c1")
	require.True(t, ok)
	require.Equal(t, 2, runtime.Config().Revision)
	require.Equal(t, channel.StateStopped, runtime.State(), "a replaced channel comes back stopped")

	record, err := harness.channels.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, record.Revision)
}

func TestDispatchUnknownChannel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{})

	_, err := harness.controller.DispatchRawMessage(ctx, "nope", []byte("data"), nil)
	require.Error(t, err)
	require.True(t, controller.ErrNotDeployed.Has(err))
}

func TestDispatchNotStarted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{})
	ctrl := harness.controller

	require.NoError(t, ctrl.Deploy(ctx, testChannelConfig("c1")))
	_, err := ctrl.DispatchRawMessage(ctx, "c1", []byte("data"), nil)
	require.Error(t, err, "stopped channels reject messages")
}

func TestShadowModeDispatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	harness := newHarness(t, harnessOptions{
		cluster: identity.ClusterConfig{Mode: identity.ModeShadow},
	})
	ctrl := harness.controller
	defer ctx.Check(ctrl.Close)

	require.NoError(t, ctrl.Deploy(ctx, testChannelConfig("c1")))
	require.NoError(t, ctrl.Start(ctx, "c1"))
	require.False(t, harness.source.Started(), "shadow mode keeps sources down")

	_, err := ctrl.DispatchRawMessage(ctx, "c1", []byte("data"), nil)
	require.Error(t, err, "shadow mode rejects writes for non-promoted channels")

	harness.modes.Promote("c1")
	// The source stays down until the channel is restarted, but writes
	// flow immediately.
	result, err := ctrl.DispatchRawMessage(ctx, "c1", []byte("data"), nil)
	require.NoError(t, err)
	require.Equal(t, msgstore.StatusTransformed, result.Status)

	require.NoError(t, ctrl.Stop(ctx, "c1"))
	require.NoError(t, ctrl.Start(ctx, "c1"))
	require.True(t, harness.source.Started(), "promoted channels run their source")
}

type leaseDB struct {
	mu    sync.Mutex
	held  map[lease.Key]string
	allow bool
}

func newLeaseDB(allow bool) *leaseDB {
	return &leaseDB{held: map[lease.Key]string{}, allow: allow}
}

func (db *leaseDB) Acquire(ctx context.Context, key lease.Key, serverID string, now, expires time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if owner, ok := db.held[key]; ok && owner != serverID {
		return false, nil
	}
	if !db.allow {
		return false, nil
	}
	db.held[key] = serverID
	return true, nil
}

func (db *leaseDB) Renew(ctx context.Context, key lease.Key, serverID string, expires time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.held[key] == serverID, nil
}

func (db *leaseDB) Release(ctx context.Context, key lease.Key, serverID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.held[key] == serverID {
		delete(db.held, key)
	}
	return nil
}

func (db *leaseDB) All(ctx context.Context) ([]lease.Lease, error) { return nil, nil }

func (db *leaseDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func TestPollingLeaseGate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := identity.ClusterConfig{
		Enabled:     true,
		PollingMode: identity.PollingExclusive,
	}

	t.Run("lease held elsewhere", func(t *testing.T) {
		db := newLeaseDB(false)
		manager := lease.NewManager(zaptest.NewLogger(t), db, "server-1", lease.Config{TTL: time.Minute})
		defer ctx.Check(manager.Close)

		harness := newHarness(t, harnessOptions{cluster: cluster, leases: manager, polling: true})
		defer ctx.Check(harness.controller.Close)

		require.NoError(t, harness.controller.Deploy(ctx, testChannelConfig("c1")))
		require.NoError(t, harness.controller.Start(ctx, "c1"))

		runtime, _ := harness.controller.DeployedChannel("c1")
		require.Equal(t, channel.StateStarted, runtime.State())
		require.False(t, harness.source.Started(), "source must wait for the lease")
	})

	t.Run("lease acquired", func(t *testing.T) {
		db := newLeaseDB(true)
		manager := lease.NewManager(zaptest.NewLogger(t), db, "server-1", lease.Config{TTL: time.Minute})
		defer ctx.Check(manager.Close)

		harness := newHarness(t, harnessOptions{cluster: cluster, leases: manager, polling: true})
		defer ctx.Check(harness.controller.Close)

		require.NoError(t, harness.controller.Deploy(ctx, testChannelConfig("c1")))
		require.NoError(t, harness.controller.Start(ctx, "c1"))
		require.True(t, harness.source.Started())

		require.NoError(t, harness.controller.Stop(ctx, "c1"))
		db.mu.Lock()
		remaining := len(db.held)
		db.mu.Unlock()
		require.Zero(t, remaining, "stop releases the polling lease")
	})
}

func TestStartupDeploySet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := t.TempDir()
	definition := `
id: boot-1
name: Boot Channel
revision: 1
source:
  transport: Test Reader
destinations:
  - metadataId: 1
    name: sender
    transport: Test Sender
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot-1.yaml"), []byte(definition), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	log := zaptest.NewLogger(t)
	db := teststore.New()
	enc, err := encryption.NewEncryptor(encryption.Config{})
	require.NoError(t, err)

	source := &testSource{}
	sender := &testSender{}
	connectors := connector.NewRegistry()
	connectors.RegisterSource("Test Reader", func(connector.Properties) (connector.Source, error) {
		return source, nil
	})
	connectors.RegisterDestination("Test Sender", func(connector.Properties) (connector.Destination, error) {
		return sender, nil
	})

	ctrl, err := controller.NewController(log, newChannelDB(), controller.Config{DeployDir: dir, AutoStart: true}, controller.Options{
		Store:      msgstore.NewService(log, db, enc),
		Stats:      stats.NewService(log, db),
		Sequence:   sequence.NewAllocator(log, db, "server-1", sequence.Config{BlockSize: 10}),
		Events:     events.NewBus(log),
		Connectors: connectors,
		DataTypes:  datatype.NewRegistry(),
		Modes:      mode.NewController(identity.ClusterConfig{}),
		ServerID:   "server-1",
	})
	require.NoError(t, err)
	defer ctx.Check(ctrl.Close)

	require.NoError(t, ctrl.DeployStartupSet(ctx))

	runtime, ok := ctrl.DeployedChannel("boot-1")
	require.True(t, ok)
	require.Equal(t, channel.StateStarted, runtime.State())
	require.Equal(t, "Boot Channel", runtime.Name())

	// A second pass is a no-op because the revision is unchanged.
	require.NoError(t, ctrl.DeployStartupSet(ctx))
	require.Len(t, ctrl.DeployedChannels(), 1)
}

func TestDeployStartupSetMissingDir(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db := teststore.New()
	enc, err := encryption.NewEncryptor(encryption.Config{})
	require.NoError(t, err)

	ctrl, err := controller.NewController(log, newChannelDB(), controller.Config{DeployDir: "/does/not/exist"}, controller.Options{
		Store:      msgstore.NewService(log, db, enc),
		Stats:      stats.NewService(log, db),
		Sequence:   sequence.NewAllocator(log, db, "server-1", sequence.Config{BlockSize: 10}),
		Events:     events.NewBus(log),
		Connectors: connector.NewRegistry(),
		DataTypes:  datatype.NewRegistry(),
		Modes:      mode.NewController(identity.ClusterConfig{}),
		ServerID:   "server-1",
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.DeployStartupSet(ctx), "missing deploy directory is not an error")
}
