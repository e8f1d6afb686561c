// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package events distributes channel lifecycle notifications to in-process
// subscribers. Delivery is best effort: a subscriber that stops draining
// its buffer loses events instead of stalling the runtime.
package events

import (
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// ChannelEvent describes one channel state transition.
type ChannelEvent struct {
	ChannelID string
	Name      string
	Previous  string
	Current   string
	At        time.Time
}

// Bus fans channel events out to subscribers.
//
// architecture: Service
type Bus struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[int]chan ChannelEvent
	next int
}

// NewBus creates an event bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: map[int]chan ChannelEvent{},
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel together with an unsubscribe function. Unsubscribing closes
// the channel.
func (bus *Bus) Subscribe(buffer int) (<-chan ChannelEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}

	bus.mu.Lock()
	id := bus.next
	bus.next++
	sub := make(chan ChannelEvent, buffer)
	bus.subs[id] = sub
	bus.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			bus.mu.Lock()
			delete(bus.subs, id)
			bus.mu.Unlock()
			close(sub)
		})
	}
	return sub, cancel
}

// Publish delivers an event to every subscriber without blocking. Events
// to subscribers with full buffers are dropped.
func (bus *Bus) Publish(event ChannelEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	for _, sub := range bus.subs {
		select {
		case sub <- event:
		default:
			mon.Counter("channel_events_dropped").Inc(1)
			bus.log.Debug("subscriber buffer full, dropping event",
				zap.String("channel_id", event.ChannelID),
				zap.String("state", event.Current))
		}
	}
}
