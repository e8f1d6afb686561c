// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package artifact tracks which configuration artifacts an external sync
// collaborator has pushed, keyed by artifact id. The engine only stores the
// bookkeeping; the sync process itself runs outside.
package artifact

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default artifact errs class.
	Error = errs.Class("artifact")

	mon = monkit.Package()
)

// Record is the sync state of one artifact.
type Record struct {
	// ArtifactID names the artifact, conventionally kind/name.
	ArtifactID string
	// Kind is the artifact type, for example channel or codetemplate.
	Kind     string
	Revision int
	// Hash is the content digest the collaborator computed for the synced
	// revision.
	Hash     string
	SyncedAt time.Time
}

// DB persists artifact sync records.
//
// architecture: Database
type DB interface {
	Upsert(ctx context.Context, record Record) error
	Get(ctx context.Context, artifactID string) (*Record, error)
	All(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, artifactID string) error
}

// Service exposes artifact sync tracking.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB

	nowFn func() time.Time
}

// NewService creates an artifact sync service.
func NewService(log *zap.Logger, db DB) *Service {
	return &Service{
		log:   log,
		db:    db,
		nowFn: time.Now,
	}
}

// Record stores the sync state of an artifact. A zero SyncedAt is stamped
// with the current time.
func (service *Service) Record(ctx context.Context, record Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	if record.ArtifactID == "" {
		return Error.New("artifact id is required")
	}
	if record.SyncedAt.IsZero() {
		record.SyncedAt = service.nowFn().UTC()
	}
	return Error.Wrap(service.db.Upsert(ctx, record))
}

// Get returns the sync state of one artifact, or nil when never synced.
func (service *Service) Get(ctx context.Context, artifactID string) (_ *Record, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := service.db.Get(ctx, artifactID)
	return record, Error.Wrap(err)
}

// List returns every tracked artifact.
func (service *Service) List(ctx context.Context) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)
	records, err := service.db.All(ctx)
	return records, Error.Wrap(err)
}

// Remove drops the sync state of an artifact.
func (service *Service) Remove(ctx context.Context, artifactID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.db.Delete(ctx, artifactID))
}

// TestingSetNow allows tests to have the service act as if the current time is whatever they want.
func (service *Service) TestingSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}
