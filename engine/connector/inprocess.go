// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package connector

import (
	"context"
	"sync"
)

// In-process transport names.
const (
	TransportChannelReader = "Channel Reader"
	TransportChannelWriter = "Channel Writer"
)

// ChannelReader is the in-process source transport. Messages are handed to
// it directly by other channels or by the api; it never polls.
type ChannelReader struct {
	mu       sync.Mutex
	dispatch Dispatcher
	paused   bool
}

// NewChannelReader builds a channel reader source. It ignores properties.
func NewChannelReader(Properties) (Source, error) {
	return &ChannelReader{}, nil
}

// Start makes the reader accept injected messages.
func (reader *ChannelReader) Start(ctx context.Context, dispatch Dispatcher) error {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	reader.dispatch = dispatch
	reader.paused = false
	return nil
}

// Stop makes the reader reject injected messages.
func (reader *ChannelReader) Stop(ctx context.Context) error {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	reader.dispatch = nil
	return nil
}

// Pause suspends intake.
func (reader *ChannelReader) Pause(ctx context.Context) error {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	reader.paused = true
	return nil
}

// Resume reopens intake.
func (reader *ChannelReader) Resume(ctx context.Context) error {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	reader.paused = false
	return nil
}

// Polling reports false; the reader is push-based.
func (reader *ChannelReader) Polling() bool { return false }

// Inject hands one raw message to the channel. It fails when the reader is
// stopped or paused.
func (reader *ChannelReader) Inject(ctx context.Context, raw RawMessage) (*Response, error) {
	reader.mu.Lock()
	dispatch, paused := reader.dispatch, reader.paused
	reader.mu.Unlock()

	if dispatch == nil {
		return nil, Error.New("channel reader is stopped")
	}
	if paused {
		return nil, Error.New("channel reader is paused")
	}
	return dispatch.Dispatch(ctx, raw)
}

// ChannelWriter is the in-process destination transport. It routes the
// payload to another channel through the engine's router, which resolves
// whether that channel runs here or on a peer.
type ChannelWriter struct {
	router  Router
	channel string
}

// ChannelWriterFactory builds channel writer destinations bound to the
// given router. The target channel comes from the "channelId" property.
func ChannelWriterFactory(router Router) DestinationFactory {
	return func(props Properties) (Destination, error) {
		channel := props["channelId"]
		if channel == "" {
			return nil, Error.New("channel writer requires a channelId property")
		}
		return &ChannelWriter{router: router, channel: channel}, nil
	}
}

// Send routes the payload to the target channel.
func (writer *ChannelWriter) Send(ctx context.Context, payload Payload) (*Response, error) {
	return writer.router.Route(ctx, writer.channel, RawMessage{
		Data:      payload.Data,
		SourceMap: payload.SourceMap,
	})
}
