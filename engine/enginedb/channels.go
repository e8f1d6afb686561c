// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/controller"
)

// ensures that channelsDB implements controller.DB.
var _ controller.DB = (*channelsDB)(nil)

// ErrChannelsDB represents errors from the channel definition table.
var ErrChannelsDB = errs.Class("channelsdb")

type channelsDB struct {
	db *DB
}

// Upsert implements controller.DB.
func (db *channelsDB) Upsert(ctx context.Context, record controller.ChannelRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_channel (channel_id, name, revision, config, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			name = excluded.name,
			revision = excluded.revision,
			config = excluded.config,
			updated_at = excluded.updated_at`),
		record.ChannelID, record.Name, record.Revision, record.Config,
		record.UpdatedAt.UTC(),
	)
	return ErrChannelsDB.Wrap(err)
}

// Get implements controller.DB.
func (db *channelsDB) Get(ctx context.Context, channelID string) (_ *controller.ChannelRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := scanChannelRecord(db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT channel_id, name, revision, config, updated_at
		FROM d_channel WHERE channel_id = ?`),
		channelID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrChannelsDB.Wrap(err)
	}
	return &record, nil
}

// All implements controller.DB.
func (db *channelsDB) All(ctx context.Context) (_ []controller.ChannelRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, name, revision, config, updated_at
		FROM d_channel ORDER BY channel_id`))
	if err != nil {
		return nil, ErrChannelsDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []controller.ChannelRecord
	for rows.Next() {
		record, err := scanChannelRecord(rows)
		if err != nil {
			return nil, ErrChannelsDB.Wrap(err)
		}
		out = append(out, record)
	}
	return out, ErrChannelsDB.Wrap(rows.Err())
}

// Delete implements controller.DB.
func (db *channelsDB) Delete(ctx context.Context, channelID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_channel WHERE channel_id = ?`),
		channelID,
	)
	return ErrChannelsDB.Wrap(err)
}

func scanChannelRecord(row scanner) (record controller.ChannelRecord, err error) {
	var updatedAt time.Time
	err = row.Scan(&record.ChannelID, &record.Name, &record.Revision,
		&record.Config, &updatedAt)
	if err != nil {
		return controller.ChannelRecord{}, err
	}
	record.UpdatedAt = updatedAt.UTC()
	return record, nil
}
