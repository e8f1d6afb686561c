// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/channel"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/datatype/hl7"
	"github.com/meridian-hie/meridian/engine/encryption"
	"github.com/meridian-hie/meridian/engine/events"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/msgstore/teststore"
	"github.com/meridian-hie/meridian/engine/sequence"
	"github.com/meridian-hie/meridian/engine/stats"
)

func adt(controlID string) []byte {
	return []byte("MSH|^~\\&|SENDAPP|SENDFAC|RCVAPP|RCVFAC|20250825090000||ADT^A01|" +
		controlID + "|P|2.5.1\rPID|1||12345^^^MRN||DOE^JOHN\r")
}

type fakeSource struct {
	mu       sync.Mutex
	dispatch connector.Dispatcher
	started  bool
	paused   bool
	polling  bool
}

func (src *fakeSource) Start(ctx context.Context, dispatch connector.Dispatcher) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.dispatch = dispatch
	src.started = true
	return nil
}

func (src *fakeSource) Stop(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.started = false
	return nil
}

func (src *fakeSource) Pause(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.paused = true
	return nil
}

func (src *fakeSource) Resume(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.paused = false
	return nil
}

func (src *fakeSource) Polling() bool { return src.polling }

func (src *fakeSource) isStarted() bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.started
}

func (src *fakeSource) isPaused() bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.paused
}

// deliver pushes one wire message through the transport the way a remote
// sender would.
func (src *fakeSource) deliver(ctx context.Context, data []byte) (*connector.Response, error) {
	src.mu.Lock()
	dispatch := src.dispatch
	src.mu.Unlock()
	if dispatch == nil {
		return nil, errs.New("source not started")
	}
	return dispatch.Dispatch(ctx, connector.RawMessage{
		Data:      data,
		SourceMap: map[string]any{"origin": "mllp"},
	})
}

type fakeDestination struct {
	mu      sync.Mutex
	sends   []connector.Payload
	respond func(payload connector.Payload) (*connector.Response, error)
}

func (dest *fakeDestination) Send(ctx context.Context, payload connector.Payload) (*connector.Response, error) {
	dest.mu.Lock()
	dest.sends = append(dest.sends, payload)
	respond := dest.respond
	dest.mu.Unlock()
	if respond != nil {
		return respond(payload)
	}
	return &connector.Response{Status: msgstore.StatusSent}, nil
}

func (dest *fakeDestination) setRespond(respond func(payload connector.Payload) (*connector.Response, error)) {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	dest.respond = respond
}

func (dest *fakeDestination) attempts() int {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	return len(dest.sends)
}

func (dest *fakeDestination) lastSend() connector.Payload {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	if len(dest.sends) == 0 {
		return connector.Payload{}
	}
	return dest.sends[len(dest.sends)-1]
}

type fakeGate struct {
	run  bool
	lost chan struct{}
	err  error

	mu       sync.Mutex
	released bool
}

func (gate *fakeGate) AcquireSource(ctx context.Context, config channel.Config) (bool, <-chan struct{}, func(), error) {
	if gate.err != nil {
		return false, nil, nil, gate.err
	}
	var lost <-chan struct{}
	if gate.lost != nil {
		lost = gate.lost
	}
	release := func() {
		gate.mu.Lock()
		gate.released = true
		gate.mu.Unlock()
	}
	return gate.run, lost, release, nil
}

func (gate *fakeGate) wasReleased() bool {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	return gate.released
}

func destConfig(metadataID int) channel.DestinationConfig {
	return channel.DestinationConfig{
		MetadataID: metadataID,
		Name:       fmt.Sprintf("dest-%d", metadataID),
		Transport:  "test",
		Queue:      channel.QueueSettings{RetryInterval: time.Millisecond},
	}
}

func pipelineConfig(destinations ...channel.DestinationConfig) channel.Config {
	return channel.Config{
		ID:       "c1",
		Name:     "adt-intake",
		Revision: 1,
		Source: channel.SourceConfig{
			Transport: "test",
			DataType:  hl7.Name,
		},
		Destinations: destinations,
	}
}

type pipelineTest struct {
	db     *teststore.DB
	store  *msgstore.Service
	stats  *stats.Service
	source *fakeSource
	dests  map[int]*fakeDestination

	channel *channel.Channel
}

// startPipeline builds a running channel over the in-memory store with one
// fake destination per configured destination. The HL7v2 codec and ACK
// responder are wired by default; adjust can replace any dependency before
// the channel is built.
func startPipeline(ctx *testcontext.Context, t *testing.T, config channel.Config, adjust func(deps *channel.Dependencies)) *pipelineTest {
	log := zaptest.NewLogger(t)

	db := teststore.New()
	enc, err := encryption.NewEncryptor(encryption.Config{})
	require.NoError(t, err)

	pt := &pipelineTest{
		db:     db,
		store:  msgstore.NewService(log.Named("msgstore"), db, enc),
		stats:  stats.NewService(log.Named("stats"), db),
		source: &fakeSource{},
		dests:  map[int]*fakeDestination{},
	}

	deps := channel.Dependencies{
		Store:        pt.store,
		Stats:        pt.stats,
		Sequence:     sequence.NewAllocator(log.Named("sequence"), db, "server-1", sequence.Config{BlockSize: 10}),
		Events:       events.NewBus(log.Named("events")),
		ServerID:     "server-1",
		Source:       pt.source,
		Destinations: map[int]connector.Destination{},
		InCodec:      hl7.Codec{},
		Responder:    hl7.NewACKGenerator(hl7.ResponderConfig{}),
	}
	for _, dest := range config.Destinations {
		fake := &fakeDestination{}
		pt.dests[dest.MetadataID] = fake
		deps.Destinations[dest.MetadataID] = fake
	}
	if adjust != nil {
		adjust(&deps)
	}

	ch, err := channel.New(log.Named("channel"), config, deps)
	require.NoError(t, err)
	require.NoError(t, ch.Deployed())
	require.NoError(t, ch.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, ch.Stop(context.Background()))
	})

	pt.channel = ch
	return pt
}

func (pt *pipelineTest) deliver(ctx context.Context, t *testing.T, data []byte) (*channel.Result, *connector.Response) {
	response, err := pt.source.deliver(ctx, data)
	require.NoError(t, err)
	require.NotNil(t, response)

	messages, err := pt.db.NextMessages(ctx, pt.channel.ID(), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	return &channel.Result{MessageID: last.MessageID, Response: response}, response
}

func (pt *pipelineTest) connectorStatus(ctx context.Context, t *testing.T, messageID int64, metadataID int) msgstore.ConnectorMessage {
	cm, err := pt.db.GetConnectorMessage(ctx, pt.channel.ID(), messageID, metadataID)
	require.NoError(t, err)
	require.NotNil(t, cm)
	return *cm
}

func (pt *pipelineTest) content(ctx context.Context, t *testing.T, messageID int64, metadataID int, contentType msgstore.ContentType) *msgstore.Content {
	content, err := pt.store.Content(ctx, pt.channel.ID(), messageID, metadataID, contentType)
	require.NoError(t, err)
	return content
}

func (pt *pipelineTest) snapshot(ctx context.Context, t *testing.T, metadataID int) msgstore.Stats {
	snapshot, err := pt.stats.Snapshot(ctx, pt.channel.ID(), metadataID)
	require.NoError(t, err)
	return snapshot
}

func (pt *pipelineTest) waitProcessed(ctx context.Context, t *testing.T, messageID int64) {
	require.Eventually(t, func() bool {
		msg, err := pt.db.GetMessage(ctx, pt.channel.ID(), messageID)
		return err == nil && msg != nil && msg.Processed
	}, 10*time.Second, 10*time.Millisecond)
}

func TestHL7IngestDeliversAndAcks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1), destConfig(2)), nil)

	raw := adt("MSG0001")
	result, response := pt.deliver(ctx, t, raw)

	// The transport answer is an ACK echoing the inbound control id, with
	// sender and receiver swapped.
	require.Equal(t, msgstore.StatusSent, response.Status)
	require.True(t, strings.HasPrefix(string(response.Data), "MSH|^~\\&|RCVAPP|RCVFAC|SENDAPP|SENDFAC|"))
	require.Contains(t, string(response.Data), "MSA|AA|MSG0001")

	// Both destinations got exactly the inbound payload.
	for metadataID := 1; metadataID <= 2; metadataID++ {
		dest := pt.dests[metadataID]
		require.Equal(t, 1, dest.attempts())
		send := dest.lastSend()
		require.Equal(t, raw, send.Data)
		require.Equal(t, 1, send.Attempt)
		require.Equal(t, "mllp", send.SourceMap["origin"])

		cm := pt.connectorStatus(ctx, t, result.MessageID, metadataID)
		require.Equal(t, msgstore.StatusSent, cm.Status)
		require.Equal(t, 1, cm.SendAttempts)
		require.NotNil(t, cm.SentAt)
	}
	require.Equal(t, msgstore.StatusTransformed,
		pt.connectorStatus(ctx, t, result.MessageID, msgstore.SourceMetadataID).Status)

	// Every pipeline stage left durable content behind.
	types := map[int][]msgstore.ContentType{}
	contents, err := pt.db.ListContent(ctx, "c1", result.MessageID)
	require.NoError(t, err)
	for _, content := range contents {
		types[content.MetadataID] = append(types[content.MetadataID], content.Type)
	}
	require.Equal(t, []msgstore.ContentType{
		msgstore.ContentRaw, msgstore.ContentProcessedRaw, msgstore.ContentTransformed,
		msgstore.ContentEncoded, msgstore.ContentResponse, msgstore.ContentSourceMap,
	}, types[msgstore.SourceMetadataID])
	for metadataID := 1; metadataID <= 2; metadataID++ {
		require.Equal(t, []msgstore.ContentType{
			msgstore.ContentTransformed, msgstore.ContentEncoded, msgstore.ContentSent,
		}, types[metadataID])
	}
	require.Equal(t, raw, pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentRaw).Data)
	require.Equal(t, raw, pt.content(ctx, t, result.MessageID, 1, msgstore.ContentSent).Data)

	// The header metadata landed in the indexed columns.
	meta, err := pt.db.GetCustomMetadata(ctx, "c1", result.MessageID, msgstore.SourceMetadataID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, "SENDFAC", meta.Source)
	require.Equal(t, "ADT-A01", meta.Type)
	require.Equal(t, "2.5.1", meta.Version)

	msg, err := pt.db.GetMessage(ctx, "c1", result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.Processed)

	require.Equal(t, msgstore.Stats{Received: 1, Transformed: 1}, pt.snapshot(ctx, t, msgstore.SourceMetadataID))
	require.Equal(t, msgstore.Stats{Received: 1, Sent: 1}, pt.snapshot(ctx, t, 1))
	require.Equal(t, msgstore.Stats{Received: 1, Sent: 1}, pt.snapshot(ctx, t, 2))
}

func TestSourceFilterRejects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Scripts.SourceFilter = func(ctx context.Context, data []byte, maps *channel.Maps) (bool, error) {
			return !bytes.Contains(data, []byte("DOE^JOHN")), nil
		}
	})

	result, response := pt.deliver(ctx, t, adt("MSG0002"))

	require.Equal(t, msgstore.StatusFiltered, response.Status)
	require.Contains(t, string(response.Data), "MSA|AR|MSG0002")

	require.Equal(t, msgstore.StatusFiltered,
		pt.connectorStatus(ctx, t, result.MessageID, msgstore.SourceMetadataID).Status)
	// The destination never ran: no send, no transformed content, status
	// still as created at intake.
	require.Equal(t, 0, pt.dests[1].attempts())
	require.Equal(t, msgstore.StatusReceived, pt.connectorStatus(ctx, t, result.MessageID, 1).Status)
	require.Nil(t, pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentTransformed))
	require.NotNil(t, pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentProcessedRaw))

	msg, err := pt.db.GetMessage(ctx, "c1", result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.Processed)

	require.Equal(t, msgstore.Stats{Received: 1, Filtered: 1}, pt.snapshot(ctx, t, msgstore.SourceMetadataID))
	require.Equal(t, msgstore.Stats{Received: 1}, pt.snapshot(ctx, t, 1))
}

func TestFilteredAckCodeOverride(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Responder = hl7.NewACKGenerator(hl7.ResponderConfig{FilteredCode: "CR"})
		deps.Scripts.SourceFilter = func(ctx context.Context, data []byte, maps *channel.Maps) (bool, error) {
			return false, nil
		}
	})

	_, response := pt.deliver(ctx, t, adt("MSG0003"))
	require.Equal(t, msgstore.StatusFiltered, response.Status)
	require.Contains(t, string(response.Data), "MSA|CR|MSG0003")
}

func TestDestinationRetriesExhaust(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := pipelineConfig(channel.DestinationConfig{
		MetadataID: 1,
		Name:       "flaky",
		Transport:  "test",
		Queue: channel.QueueSettings{
			RetryCount:    2,
			RetryInterval: time.Millisecond,
		},
	})
	config.ResponseSelector = channel.SelectSourceStatus

	pt := startPipeline(ctx, t, config, nil)
	pt.dests[1].setRespond(func(payload connector.Payload) (*connector.Response, error) {
		return nil, errs.New("connection refused")
	})

	result, response := pt.deliver(ctx, t, adt("MSG0004"))

	// sourceStatus acknowledges acceptance, not delivery.
	require.Equal(t, msgstore.StatusTransformed, response.Status)
	require.Contains(t, string(response.Data), "MSA|AA|MSG0004")

	require.Eventually(t, func() bool {
		cm, err := pt.db.GetConnectorMessage(ctx, "c1", result.MessageID, 1)
		return err == nil && cm != nil && cm.Status == msgstore.StatusError
	}, 10*time.Second, 10*time.Millisecond)

	cm := pt.connectorStatus(ctx, t, result.MessageID, 1)
	require.Equal(t, 3, cm.SendAttempts)
	require.Equal(t, 3, pt.dests[1].attempts())

	// One failure line per attempt.
	errContent := pt.content(ctx, t, result.MessageID, 1, msgstore.ContentProcessingError)
	require.NotNil(t, errContent)
	require.Equal(t, 3, strings.Count(string(errContent.Data), "\n"))
	require.Contains(t, string(errContent.Data), "attempt 1: connection refused")
	require.Contains(t, string(errContent.Data), "attempt 3: connection refused")

	pt.waitProcessed(ctx, t, result.MessageID)
	require.Equal(t, msgstore.Stats{Received: 1, Error: 1}, pt.snapshot(ctx, t, 1))
}

func TestDestinationRetryRecovers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := pipelineConfig(channel.DestinationConfig{
		MetadataID: 1,
		Name:       "flaky",
		Transport:  "test",
		Queue: channel.QueueSettings{
			RetryCount:    2,
			RetryInterval: time.Millisecond,
		},
	})
	config.ResponseSelector = channel.SelectSourceStatus

	pt := startPipeline(ctx, t, config, nil)
	pt.dests[1].setRespond(func(payload connector.Payload) (*connector.Response, error) {
		if payload.Attempt < 3 {
			return nil, errs.New("connection refused")
		}
		return &connector.Response{Status: msgstore.StatusSent}, nil
	})

	result, _ := pt.deliver(ctx, t, adt("MSG0005"))

	require.Eventually(t, func() bool {
		cm, err := pt.db.GetConnectorMessage(ctx, "c1", result.MessageID, 1)
		return err == nil && cm != nil && cm.Status == msgstore.StatusSent
	}, 10*time.Second, 10*time.Millisecond)

	cm := pt.connectorStatus(ctx, t, result.MessageID, 1)
	require.Equal(t, 3, cm.SendAttempts)
	require.NotNil(t, cm.SentAt)

	pt.waitProcessed(ctx, t, result.MessageID)
	require.Equal(t, msgstore.Stats{Received: 1, Sent: 1}, pt.snapshot(ctx, t, 1))
}

func TestRemoteRejectionFailsDestination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Validators = map[int]datatype.ResponseValidator{1: hl7.ACKValidator{}}
	})
	pt.dests[1].setRespond(func(payload connector.Payload) (*connector.Response, error) {
		return &connector.Response{
			Status: msgstore.StatusSent,
			Data:   []byte("MSH|^~\\&|RCVAPP|RCVFAC|SENDAPP|SENDFAC|20250825090001||ACK|A1|P|2.5.1\rMSA|AE|MSG0006|segment PV1 required\r"),
		}, nil
	})

	result, response := pt.deliver(ctx, t, adt("MSG0006"))

	// The remote answered, but with a rejection: the destination is an
	// error and the source reports it.
	require.Equal(t, msgstore.StatusError, response.Status)
	require.Contains(t, string(response.Data), "MSA|AE|MSG0006")
	require.Contains(t, response.Error, "remote acknowledged AE")

	cm := pt.connectorStatus(ctx, t, result.MessageID, 1)
	require.Equal(t, msgstore.StatusError, cm.Status)
	require.Equal(t, 1, cm.SendAttempts)

	errContent := pt.content(ctx, t, result.MessageID, 1, msgstore.ContentProcessingError)
	require.NotNil(t, errContent)
	require.Contains(t, string(errContent.Data), "segment PV1 required")

	require.Equal(t, msgstore.Stats{Received: 1, Error: 1}, pt.snapshot(ctx, t, 1))
}

func TestResponseSelectors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ackOne, ackTwo := []byte("ACK-ONE"), []byte("ACK-TWO")

	cases := []struct {
		selector string
		failOne  bool
		expect   func(t *testing.T, response *connector.Response)
	}{
		{selector: channel.SelectFirst, expect: func(t *testing.T, response *connector.Response) {
			require.Equal(t, ackOne, response.Data)
		}},
		{selector: channel.SelectLast, expect: func(t *testing.T, response *connector.Response) {
			require.Equal(t, ackTwo, response.Data)
		}},
		{selector: "destination2", expect: func(t *testing.T, response *connector.Response) {
			require.Equal(t, ackTwo, response.Data)
		}},
		{selector: channel.SelectErrorBiased, failOne: true, expect: func(t *testing.T, response *connector.Response) {
			require.Equal(t, msgstore.StatusError, response.Status)
			require.Contains(t, string(response.Data), "MSA|AE|MSG0007")
			require.Contains(t, response.Error, "unreachable")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.selector, func(t *testing.T) {
			config := pipelineConfig(destConfig(1), destConfig(2))
			config.ResponseSelector = tc.selector

			pt := startPipeline(ctx, t, config, nil)
			if tc.failOne {
				pt.dests[1].setRespond(func(payload connector.Payload) (*connector.Response, error) {
					return nil, errs.New("unreachable")
				})
			} else {
				pt.dests[1].setRespond(func(payload connector.Payload) (*connector.Response, error) {
					return &connector.Response{Status: msgstore.StatusSent, Data: ackOne}, nil
				})
			}
			pt.dests[2].setRespond(func(payload connector.Payload) (*connector.Response, error) {
				return &connector.Response{Status: msgstore.StatusSent, Data: ackTwo}, nil
			})

			_, response := pt.deliver(ctx, t, adt("MSG0007"))
			tc.expect(t, response)
		})
	}
}

func TestDestinationSetPrunesRouting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1), destConfig(2)), func(deps *channel.Dependencies) {
		deps.Scripts.DestinationSet = func(ctx context.Context, maps *channel.Maps, destinations []int) []int {
			return []int{2}
		}
	})

	result, response := pt.deliver(ctx, t, adt("MSG0008"))
	require.Equal(t, msgstore.StatusSent, response.Status)

	require.Equal(t, 0, pt.dests[1].attempts())
	require.Equal(t, 1, pt.dests[2].attempts())
	require.Equal(t, msgstore.StatusReceived, pt.connectorStatus(ctx, t, result.MessageID, 1).Status)
	require.Equal(t, msgstore.StatusSent, pt.connectorStatus(ctx, t, result.MessageID, 2).Status)

	// A skipped destination does not hold the message open.
	msg, err := pt.db.GetMessage(ctx, "c1", result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.Processed)
}

func TestSourceQueueRespondsBeforeDelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := pipelineConfig(destConfig(1))
	config.Source.QueueEnabled = true

	pt := startPipeline(ctx, t, config, nil)

	result, response := pt.deliver(ctx, t, adt("MSG0009"))

	// Acknowledged at intake, before the pipeline ran.
	require.Equal(t, msgstore.StatusReceived, response.Status)
	require.Contains(t, string(response.Data), "MSA|AA|MSG0009")
	require.NotNil(t, pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentRaw))

	// The reader drains the backlog and the message completes.
	pt.waitProcessed(ctx, t, result.MessageID)
	require.Equal(t, msgstore.StatusSent, pt.connectorStatus(ctx, t, result.MessageID, 1).Status)
	require.Equal(t, msgstore.StatusTransformed,
		pt.connectorStatus(ctx, t, result.MessageID, msgstore.SourceMetadataID).Status)
	require.Equal(t, 1, pt.dests[1].attempts())
	require.Equal(t, "mllp", pt.dests[1].lastSend().SourceMap["origin"])
}

func TestPauseSuspendsSourceOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), nil)
	require.False(t, pt.source.isPaused())

	require.NoError(t, pt.channel.Pause(ctx))
	require.Equal(t, channel.StatePaused, pt.channel.State())
	require.True(t, pt.source.isPaused())

	// In-flight transport deliveries still process while paused.
	result, response := pt.deliver(ctx, t, adt("MSG0010"))
	require.Equal(t, msgstore.StatusSent, response.Status)
	require.Equal(t, msgstore.StatusSent, pt.connectorStatus(ctx, t, result.MessageID, 1).Status)

	require.NoError(t, pt.channel.Resume(ctx))
	require.Equal(t, channel.StateStarted, pt.channel.State())
	require.False(t, pt.source.isPaused())
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db := teststore.New()
	enc, err := encryption.NewEncryptor(encryption.Config{})
	require.NoError(t, err)
	bus := events.NewBus(log)
	sub, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	source := &fakeSource{}
	ch, err := channel.New(log, pipelineConfig(), channel.Dependencies{
		Store:    msgstore.NewService(log, db, enc),
		Sequence: sequence.NewAllocator(log, db, "server-1", sequence.Config{}),
		Events:   bus,
		ServerID: "server-1",
		Source:   source,
	})
	require.NoError(t, err)

	require.Equal(t, channel.StateUndeployed, ch.State())

	// Messages are refused until the channel starts.
	_, err = ch.Ingest(ctx, connector.RawMessage{Data: []byte("early")})
	require.Error(t, err)

	require.NoError(t, ch.Deployed())
	require.Equal(t, channel.StateStopped, ch.State())
	require.Error(t, ch.Deployed())

	require.NoError(t, ch.Start(ctx))
	require.Equal(t, channel.StateStarted, ch.State())
	require.True(t, source.isStarted())
	// Starting a started channel is a no-op.
	require.NoError(t, ch.Start(ctx))

	require.NoError(t, ch.Stop(ctx))
	require.Equal(t, channel.StateStopped, ch.State())
	require.False(t, source.isStarted())
	require.NoError(t, ch.Stop(ctx))

	require.NoError(t, ch.Undeployed())
	require.Equal(t, channel.StateUndeployed, ch.State())

	var seen []string
	for {
		select {
		case event := <-sub:
			require.Equal(t, "c1", event.ChannelID)
			seen = append(seen, event.Current)
			continue
		default:
		}
		break
	}
	require.Equal(t, []string{
		"STOPPED", "STARTING", "STARTED", "STOPPING", "STOPPED", "UNDEPLOYED",
	}, seen)
}

func TestGateRefusalKeepsChannelServing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gate := &fakeGate{run: false}
	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Gate = gate
	})

	// The source transport never started, but the channel runs and accepts
	// dispatched messages.
	require.Equal(t, channel.StateStarted, pt.channel.State())
	require.False(t, pt.source.isStarted())

	result, err := pt.channel.Ingest(ctx, connector.RawMessage{Data: adt("MSG0011")})
	require.NoError(t, err)
	require.Contains(t, string(result.Response.Data), "MSA|AA|MSG0011")
	require.Equal(t, msgstore.StatusSent, pt.connectorStatus(ctx, t, result.MessageID, 1).Status)

	require.NoError(t, pt.channel.Stop(ctx))
	require.True(t, gate.wasReleased())
}

func TestLeaseLossStopsSource(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gate := &fakeGate{run: true, lost: make(chan struct{})}
	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Gate = gate
	})
	require.True(t, pt.source.isStarted())

	close(gate.lost)

	require.Eventually(t, func() bool {
		return !pt.source.isStarted()
	}, 10*time.Second, 10*time.Millisecond)
	// Only the source stopped; the channel keeps draining queues.
	require.Equal(t, channel.StateStarted, pt.channel.State())
}

type sliceBatch struct {
	parts [][]byte
	index int

	mu      sync.Mutex
	cleaned bool
}

func (batch *sliceBatch) Next(ctx context.Context) ([]byte, error) {
	if batch.index >= len(batch.parts) {
		return nil, nil
	}
	part := batch.parts[batch.index]
	batch.index++
	return part, nil
}

func (batch *sliceBatch) SequenceID() int64 { return int64(batch.index) }

func (batch *sliceBatch) IsComplete() bool { return batch.index >= len(batch.parts) }

func (batch *sliceBatch) Cleanup(ctx context.Context) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()
	batch.cleaned = true
	return nil
}

func (batch *sliceBatch) wasCleaned() bool {
	batch.mu.Lock()
	defer batch.mu.Unlock()
	return batch.cleaned
}

func TestBatchIngest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var last *sliceBatch
	config := pipelineConfig(destConfig(1))
	config.Source.Batch = true
	config.Source.DataType = ""

	pt := startPipeline(ctx, t, config, func(deps *channel.Dependencies) {
		deps.InCodec = nil
		deps.Responder = nil
		deps.Batch = func(raw []byte, sourceMap map[string]any) (channel.BatchAdaptor, error) {
			last = &sliceBatch{parts: bytes.Split(raw, []byte("\n"))}
			return last, nil
		}
	})

	result, response := pt.deliver(ctx, t, []byte("one\ntwo\nthree"))
	require.Equal(t, msgstore.StatusSent, response.Status)

	// One message per batch entry, numbered by read order.
	require.Equal(t, 3, pt.db.MessageCount("c1"))
	require.Equal(t, int64(3), result.MessageID)
	for id := int64(1); id <= 3; id++ {
		msg, err := pt.db.GetMessage(ctx, "c1", id)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, id, msg.SequenceID)
		require.True(t, msg.Processed)
	}
	require.Equal(t, 3, pt.dests[1].attempts())
	require.Equal(t, []byte("three"), pt.dests[1].lastSend().Data)
	require.True(t, last.wasCleaned())
}

func TestScriptStagesPersistContent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := pipelineConfig(destConfig(1))
	config.Source.DataType = ""

	pt := startPipeline(ctx, t, config, func(deps *channel.Dependencies) {
		deps.InCodec = nil
		deps.Responder = nil
		deps.Scripts = channel.Scripts{
			Preprocessor: func(ctx context.Context, data []byte, maps *channel.Maps) ([]byte, error) {
				return append(data, []byte("|pre")...), nil
			},
			SourceTransformer: func(ctx context.Context, data []byte, maps *channel.Maps) ([]byte, error) {
				maps.Channel["route"] = "lab"
				return append(data, []byte("|tx")...), nil
			},
			Destinations: map[int]channel.DestinationScripts{
				1: {
					Transformer: func(ctx context.Context, data []byte, maps *channel.Maps) ([]byte, error) {
						return append(data, []byte("|dst")...), nil
					},
				},
			},
		}
	})

	result, _ := pt.deliver(ctx, t, []byte("alpha"))

	require.Equal(t, []byte("alpha"),
		pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentRaw).Data)
	require.Equal(t, []byte("alpha|pre"),
		pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentProcessedRaw).Data)
	require.Equal(t, []byte("alpha|pre|tx"),
		pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentTransformed).Data)
	require.Equal(t, []byte("alpha|pre|tx|dst"),
		pt.content(ctx, t, result.MessageID, 1, msgstore.ContentTransformed).Data)
	require.Equal(t, []byte("alpha|pre|tx|dst"), pt.dests[1].lastSend().Data)
	require.Equal(t, []byte("alpha|pre|tx|dst"),
		pt.content(ctx, t, result.MessageID, 1, msgstore.ContentSent).Data)

	channelMap := pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentChannelMap)
	require.NotNil(t, channelMap)
	require.JSONEq(t, `{"route": "lab"}`, string(channelMap.Data))
}

func TestPreprocessorFailureAcknowledgesError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pt := startPipeline(ctx, t, pipelineConfig(destConfig(1)), func(deps *channel.Dependencies) {
		deps.Scripts.Preprocessor = func(ctx context.Context, data []byte, maps *channel.Maps) ([]byte, error) {
			return nil, errs.New("boom")
		}
	})

	result, response := pt.deliver(ctx, t, adt("MSG0012"))

	require.Equal(t, msgstore.StatusError, response.Status)
	require.Contains(t, string(response.Data), "MSA|AE|MSG0012")

	require.Equal(t, msgstore.StatusError,
		pt.connectorStatus(ctx, t, result.MessageID, msgstore.SourceMetadataID).Status)
	require.Equal(t, 0, pt.dests[1].attempts())

	errContent := pt.content(ctx, t, result.MessageID, msgstore.SourceMetadataID, msgstore.ContentProcessingError)
	require.NotNil(t, errContent)
	require.Contains(t, string(errContent.Data), "preprocessor: boom")

	require.Equal(t, msgstore.Stats{Received: 1, Error: 1}, pt.snapshot(ctx, t, msgstore.SourceMetadataID))

	msg, err := pt.db.GetMessage(ctx, "c1", result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.Processed)
}
