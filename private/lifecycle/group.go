// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package lifecycle allows controlling the lifecycle of long-running components.
package lifecycle

import (
	"context"
	"runtime"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

// slowShutdown is how long a runner may take to return after its context is
// canceled before a stack dump is logged.
const slowShutdown = 15 * time.Second

// Group is an ordered collection of items that are run together and closed
// in reverse order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is a single lifecycle participant.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add appends an item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items in the provided errgroup. Context cancellation is not
// treated as a runner failure.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started []string
	for _, item := range group.items {
		item := item
		started = append(started, item.Name)
		if item.Run == nil {
			continue
		}

		finished, markFinished := context.WithCancel(context.Background())
		go group.watchSlowShutdown(ctx, finished, item.Name)

		g.Go(func() error {
			defer markFinished()

			var err error
			defer mon.TaskNamed(item.Name)(&ctx)(&err)

			err = item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("name", item.Name),
					zap.Error(err))
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

// watchSlowShutdown logs a condensed stack dump when a runner does not return
// within slowShutdown of its context being canceled.
func (group *Group) watchSlowShutdown(ctx, finished context.Context, name string) {
	select {
	case <-finished.Done():
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(slowShutdown)
	defer timer.Stop()

	select {
	case <-finished.Done():
	case <-timer.C:
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		group.log.Warn("slow shutdown",
			zap.String("name", name),
			zap.String("stack", string(condenseStack(buf[:n]))))
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
