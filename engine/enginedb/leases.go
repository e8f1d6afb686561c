// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/lease"
)

// ensures that leasesDB implements lease.DB.
var _ lease.DB = (*leasesDB)(nil)

// ErrLeasesDB represents errors from the poll lease table.
var ErrLeasesDB = errs.Class("leasesdb")

type leasesDB struct {
	db *DB
}

// Acquire implements lease.DB. The conditional upsert succeeds when the
// lease is free, expired, or already ours; the database serializes racing
// claimants and exactly one write wins.
func (db *leasesDB) Acquire(ctx context.Context, key lease.Key, serverID string, now, expires time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_poll_lease (channel_id, connector_id, server_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, connector_id) DO UPDATE SET
			server_id = excluded.server_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE d_poll_lease.expires_at <= excluded.acquired_at
			OR d_poll_lease.server_id = excluded.server_id`),
		key.ChannelID, key.ConnectorID, serverID, now.UTC(), expires.UTC(),
	)
	if err != nil {
		return false, ErrLeasesDB.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, ErrLeasesDB.Wrap(err)
}

// Renew implements lease.DB.
func (db *leasesDB) Renew(ctx context.Context, key lease.Key, serverID string, expires time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx, db.db.rebind(`
		UPDATE d_poll_lease SET expires_at = ?
		WHERE channel_id = ? AND connector_id = ? AND server_id = ?`),
		expires.UTC(), key.ChannelID, key.ConnectorID, serverID,
	)
	if err != nil {
		return false, ErrLeasesDB.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, ErrLeasesDB.Wrap(err)
}

// Release implements lease.DB.
func (db *leasesDB) Release(ctx context.Context, key lease.Key, serverID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_poll_lease
		WHERE channel_id = ? AND connector_id = ? AND server_id = ?`),
		key.ChannelID, key.ConnectorID, serverID,
	)
	return ErrLeasesDB.Wrap(err)
}

// All implements lease.DB.
func (db *leasesDB) All(ctx context.Context) (_ []lease.Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, connector_id, server_id, acquired_at, expires_at
		FROM d_poll_lease ORDER BY channel_id, connector_id`))
	if err != nil {
		return nil, ErrLeasesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []lease.Lease
	for rows.Next() {
		var entry lease.Lease
		var acquiredAt, expiresAt time.Time
		err = rows.Scan(&entry.ChannelID, &entry.ConnectorID, &entry.ServerID,
			&acquiredAt, &expiresAt)
		if err != nil {
			return nil, ErrLeasesDB.Wrap(err)
		}
		entry.AcquiredAt = acquiredAt.UTC()
		entry.ExpiresAt = expiresAt.UTC()
		out = append(out, entry)
	}
	return out, ErrLeasesDB.Wrap(rows.Err())
}

// DeleteExpired implements lease.DB.
func (db *leasesDB) DeleteExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_poll_lease WHERE expires_at <= ?`),
		now.UTC(),
	)
	if err != nil {
		return 0, ErrLeasesDB.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrLeasesDB.Wrap(err)
}
