// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package stats buffers per-connector statistics in memory and flushes
// them to the channel statistics table on an interval, so every processed
// message does not cost an extra statistics write.
package stats

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

var (
	// Error is the default stats errs class.
	Error = errs.Class("stats")

	mon = monkit.Package()
)

// DB is the statistics slice of the message store.
type DB interface {
	IncStats(ctx context.Context, channelID string, metadataID int, delta msgstore.Stats) error
	GetStats(ctx context.Context, channelID string, metadataID int) (msgstore.Stats, error)
}

type key struct {
	channelID  string
	metadataID int
}

// Service accumulates statistics deltas and flushes them in batches.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB

	mu      sync.Mutex
	pending map[key]msgstore.Stats
}

// NewService creates a statistics service.
func NewService(log *zap.Logger, db DB) *Service {
	return &Service{
		log:     log,
		db:      db,
		pending: map[key]msgstore.Stats{},
	}
}

// Increment buffers a statistics delta for a connector.
func (service *Service) Increment(channelID string, metadataID int, delta msgstore.Stats) {
	if delta.IsZero() {
		return
	}

	mon.Counter("stats_received").Inc(delta.Received)
	mon.Counter("stats_filtered").Inc(delta.Filtered)
	mon.Counter("stats_transformed").Inc(delta.Transformed)
	mon.Counter("stats_sent").Inc(delta.Sent)
	mon.Counter("stats_error").Inc(delta.Error)

	service.mu.Lock()
	defer service.mu.Unlock()

	stats := service.pending[key{channelID, metadataID}]
	stats.Add(delta)
	service.pending[key{channelID, metadataID}] = stats
}

// Flush writes every buffered delta to the database. Deltas that fail to
// write return to the buffer for the next flush.
func (service *Service) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	pending := service.pending
	service.pending = map[key]msgstore.Stats{}
	service.mu.Unlock()

	var group errs.Group
	for k, delta := range pending {
		if err := service.db.IncStats(ctx, k.channelID, k.metadataID, delta); err != nil {
			group.Add(err)
			service.mu.Lock()
			stats := service.pending[k]
			stats.Add(delta)
			service.pending[k] = stats
			service.mu.Unlock()
		}
	}
	return Error.Wrap(group.Err())
}

// Snapshot returns the durable counters with the buffered deltas applied,
// the live view of a connector's statistics.
func (service *Service) Snapshot(ctx context.Context, channelID string, metadataID int) (_ msgstore.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	stats, err := service.db.GetStats(ctx, channelID, metadataID)
	if err != nil {
		return msgstore.Stats{}, Error.Wrap(err)
	}

	service.mu.Lock()
	stats.Add(service.pending[key{channelID, metadataID}])
	service.mu.Unlock()

	return stats, nil
}

// TestingPending returns the number of connectors with buffered deltas.
func (service *Service) TestingPending() int {
	service.mu.Lock()
	defer service.mu.Unlock()
	return len(service.pending)
}
