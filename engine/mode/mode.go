// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package mode tracks the operating mode of an engine instance and the
// per-channel promotion and polling allow-lists that refine it.
//
// An instance runs in one of three modes. In auto mode it behaves as a
// normal standalone or clustered member. In shadow mode it deploys
// channels as a hot standby: sources stay stopped and writes are refused
// until a channel is promoted. In takeover mode it serves traffic but
// keeps polling sources disabled unless a channel is allow-listed, so a
// legacy instance can keep polling while this one drains everything else.
package mode

import (
	"sync"

	"github.com/meridian-hie/meridian/engine/identity"
)

// Controller holds the mode state for one instance. All methods are safe
// for concurrent use.
//
// architecture: Service
type Controller struct {
	mu       sync.Mutex
	mode     string
	promoted map[string]struct{}
	allowed  map[string]struct{}
}

// NewController creates a controller seeded from the cluster configuration.
// The takeover allow-list accepts channel ids and channel names alike.
func NewController(config identity.ClusterConfig) *Controller {
	controller := &Controller{
		mode:     config.Mode,
		promoted: map[string]struct{}{},
		allowed:  map[string]struct{}{},
	}
	if controller.mode == "" {
		controller.mode = identity.ModeAuto
	}
	for _, channel := range config.TakeoverPollChannels {
		controller.allowed[channel] = struct{}{}
	}
	return controller
}

// Mode returns the current operating mode.
func (controller *Controller) Mode() string {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.mode
}

// SetMode switches the operating mode at runtime. Promoting a whole shadow
// instance is SetMode(ModeAuto); the per-channel promotion set is kept so a
// later demotion restores the previous shape.
func (controller *Controller) SetMode(mode string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	switch mode {
	case identity.ModeAuto, identity.ModeShadow, identity.ModeTakeover:
		controller.mode = mode
	default:
		controller.mode = identity.ModeAuto
	}
}

// Shadow reports whether the instance runs as a shadow.
func (controller *Controller) Shadow() bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.mode == identity.ModeShadow
}

// Promote marks one channel as promoted. On a shadow instance a promoted
// channel runs its source and accepts writes as if the instance were
// primary.
func (controller *Controller) Promote(channelID string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.promoted[channelID] = struct{}{}
}

// Demote removes a channel from the promoted set.
func (controller *Controller) Demote(channelID string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	delete(controller.promoted, channelID)
}

// Promoted reports whether the channel has been promoted.
func (controller *Controller) Promoted(channelID string) bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	_, ok := controller.promoted[channelID]
	return ok
}

// PromotedChannels returns a snapshot of the promoted set.
func (controller *Controller) PromotedChannels() []string {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	out := make([]string, 0, len(controller.promoted))
	for channel := range controller.promoted {
		out = append(out, channel)
	}
	return out
}

// AllowPolling adds a channel id or name to the takeover polling
// allow-list at runtime.
func (controller *Controller) AllowPolling(channel string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.allowed[channel] = struct{}{}
}

// PollingAllowed reports whether a polling source may run for the channel.
// Aliases let callers match an allow-list entry by name as well as by id.
// Auto mode always polls; takeover mode polls only allow-listed channels;
// shadow mode polls only promoted channels.
func (controller *Controller) PollingAllowed(channelID string, aliases ...string) bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	switch controller.mode {
	case identity.ModeTakeover:
		if _, ok := controller.allowed[channelID]; ok {
			return true
		}
		for _, alias := range aliases {
			if _, ok := controller.allowed[alias]; ok {
				return true
			}
		}
		return false
	case identity.ModeShadow:
		return controller.promotedLocked(channelID, aliases)
	default:
		return true
	}
}

// SourceAllowed reports whether the channel's source may run at all. Only
// shadow mode keeps sources stopped; takeover restricts polling but leaves
// listening sources running.
func (controller *Controller) SourceAllowed(channelID string, aliases ...string) bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	if controller.mode != identity.ModeShadow {
		return true
	}
	return controller.promotedLocked(channelID, aliases)
}

// WriteAllowed reports whether mutating operations against the channel are
// accepted. Shadow instances accept writes only for promoted channels.
func (controller *Controller) WriteAllowed(channelID string) bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	if controller.mode != identity.ModeShadow {
		return true
	}
	return controller.promotedLocked(channelID, nil)
}

// RegistrationStatus returns the registry status this instance should
// register under for its current mode.
func (controller *Controller) RegistrationStatus() string {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	if controller.mode == identity.ModeShadow {
		return "SHADOW"
	}
	return "ONLINE"
}

func (controller *Controller) promotedLocked(channelID string, aliases []string) bool {
	if _, ok := controller.promoted[channelID]; ok {
		return true
	}
	for _, alias := range aliases {
		if _, ok := controller.promoted[alias]; ok {
			return true
		}
	}
	return false
}
