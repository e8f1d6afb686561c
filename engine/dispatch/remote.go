// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package dispatch

import (
	"context"

	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

// RemoteDestination adapts remote dispatch to the destination connector
// interface, so a pipeline can deliver to a channel owned by a peer the
// same way it delivers anywhere else.
type RemoteDestination struct {
	service *Service
	channel string
}

// NewRemoteDestination creates a destination that forwards to the owning
// peer of the target channel.
func NewRemoteDestination(service *Service, channelID string) *RemoteDestination {
	return &RemoteDestination{service: service, channel: channelID}
}

// Send forwards the payload. A network failure or peer error is a send
// failure subject to the caller's retry policy.
func (remote *RemoteDestination) Send(ctx context.Context, payload connector.Payload) (*connector.Response, error) {
	result, err := remote.service.DispatchRemote(ctx, remote.channel, payload.Data, payload.SourceMap)
	if err != nil {
		return nil, err
	}
	return &connector.Response{
		Status:        msgstore.Status(result.Status),
		StatusMessage: "dispatched to peer",
	}, nil
}
