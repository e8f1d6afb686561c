// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package sequence allocates cluster-unique message ids from per-channel
// counter blocks.
package sequence

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default sequence errs class.
	Error = errs.Class("sequence")

	mon = monkit.Package()
)

// DB claims id blocks. The durable channel counter is the source of truth
// for allocation; in-memory state never survives a restart.
//
// architecture: Database
type DB interface {
	// ClaimBlock advances the channel counter by size in one transaction and
	// records the claimed block. It returns the inclusive range [start, end]
	// of fresh ids. No two claims ever overlap, for any caller.
	ClaimBlock(ctx context.Context, channelID, serverID string, size int64) (start, end int64, err error)
}

// Config holds allocator configuration.
type Config struct {
	BlockSize int64 `help:"how many message ids to claim from the database at once" default:"100"`
}

// Allocator hands out message ids for this instance. Each channel consumes
// a claimed block before touching the database again; abandoning the tail of
// a block leaves a gap in the channel's id space, which is allowed.
//
// architecture: Service
type Allocator struct {
	log      *zap.Logger
	db       DB
	serverID string
	size     int64

	mu     sync.Mutex
	states map[string]*channelState
}

type channelState struct {
	mu   sync.Mutex
	next int64
	end  int64
}

// NewAllocator creates an allocator for one server.
func NewAllocator(log *zap.Logger, db DB, serverID string, config Config) *Allocator {
	size := config.BlockSize
	if size <= 0 {
		size = 100
	}
	return &Allocator{
		log:      log,
		db:       db,
		serverID: serverID,
		size:     size,
		states:   map[string]*channelState{},
	}
}

// NextID returns the next message id for the channel. Ids are strictly
// increasing per (channel, server) and never repeat across servers. A
// database failure consumes no ids.
func (alloc *Allocator) NextID(ctx context.Context, channelID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	state := alloc.state(channelID)

	// The state lock is held across the claim so a channel issues at most
	// one ClaimBlock at a time.
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.next == 0 || state.next > state.end {
		start, end, err := alloc.db.ClaimBlock(ctx, channelID, alloc.serverID, alloc.size)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		if start <= 0 || end < start {
			return 0, Error.New("claimed invalid block [%d, %d] for channel %s", start, end, channelID)
		}
		state.next, state.end = start, end

		alloc.log.Debug("claimed id block",
			zap.String("channel", channelID),
			zap.Int64("start", start),
			zap.Int64("end", end))
	}

	id := state.next
	state.next++
	return id, nil
}

// Release drops the channel's in-memory block state, abandoning the unused
// tail. Called on undeploy.
func (alloc *Allocator) Release(channelID string) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	delete(alloc.states, channelID)
}

func (alloc *Allocator) state(channelID string) *channelState {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	state, ok := alloc.states[channelID]
	if !ok {
		state = &channelState{}
		alloc.states[channelID] = state
	}
	return state
}
