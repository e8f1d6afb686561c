// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/artifact"
)

// ensures that artifactsDB implements artifact.DB.
var _ artifact.DB = (*artifactsDB)(nil)

// ErrArtifactsDB represents errors from the artifact sync table.
var ErrArtifactsDB = errs.Class("artifactsdb")

type artifactsDB struct {
	db *DB
}

// Upsert implements artifact.DB.
func (db *artifactsDB) Upsert(ctx context.Context, record artifact.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_artifact_sync (artifact_id, kind, revision, hash, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (artifact_id) DO UPDATE SET
			kind = excluded.kind,
			revision = excluded.revision,
			hash = excluded.hash,
			synced_at = excluded.synced_at`),
		record.ArtifactID, record.Kind, record.Revision, record.Hash,
		record.SyncedAt.UTC(),
	)
	return ErrArtifactsDB.Wrap(err)
}

// Get implements artifact.DB.
func (db *artifactsDB) Get(ctx context.Context, artifactID string) (_ *artifact.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var record artifact.Record
	var syncedAt time.Time
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT artifact_id, kind, revision, hash, synced_at
		FROM d_artifact_sync WHERE artifact_id = ?`),
		artifactID,
	).Scan(&record.ArtifactID, &record.Kind, &record.Revision, &record.Hash, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrArtifactsDB.Wrap(err)
	}
	record.SyncedAt = syncedAt.UTC()
	return &record, nil
}

// All implements artifact.DB.
func (db *artifactsDB) All(ctx context.Context) (_ []artifact.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT artifact_id, kind, revision, hash, synced_at
		FROM d_artifact_sync ORDER BY artifact_id`))
	if err != nil {
		return nil, ErrArtifactsDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []artifact.Record
	for rows.Next() {
		var record artifact.Record
		var syncedAt time.Time
		err = rows.Scan(&record.ArtifactID, &record.Kind, &record.Revision,
			&record.Hash, &syncedAt)
		if err != nil {
			return nil, ErrArtifactsDB.Wrap(err)
		}
		record.SyncedAt = syncedAt.UTC()
		out = append(out, record)
	}
	return out, ErrArtifactsDB.Wrap(rows.Err())
}

// Delete implements artifact.DB.
func (db *artifactsDB) Delete(ctx context.Context, artifactID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_artifact_sync WHERE artifact_id = ?`),
		artifactID,
	)
	return ErrArtifactsDB.Wrap(err)
}
