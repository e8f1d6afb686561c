// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/dispatch"
)

// ensures that deploymentsDB implements dispatch.DB.
var _ dispatch.DB = (*deploymentsDB)(nil)

// ErrDeploymentsDB represents errors from the channel deployment table.
var ErrDeploymentsDB = errs.Class("deploymentsdb")

type deploymentsDB struct {
	db *DB
}

// Upsert implements dispatch.DB.
func (db *deploymentsDB) Upsert(ctx context.Context, deployment dispatch.Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_channel_deployment (channel_id, server_id, revision, deployed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, server_id) DO UPDATE SET
			revision = excluded.revision,
			deployed_at = excluded.deployed_at`),
		deployment.ChannelID, deployment.ServerID, deployment.Revision,
		deployment.DeployedAt.UTC(),
	)
	return ErrDeploymentsDB.Wrap(err)
}

// Delete implements dispatch.DB.
func (db *deploymentsDB) Delete(ctx context.Context, channelID, serverID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_channel_deployment WHERE channel_id = ? AND server_id = ?`),
		channelID, serverID,
	)
	return ErrDeploymentsDB.Wrap(err)
}

// ServersFor implements dispatch.DB.
func (db *deploymentsDB) ServersFor(ctx context.Context, channelID string) (_ []dispatch.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.query(ctx, `WHERE channel_id = ?`, channelID)
}

// AllForServer implements dispatch.DB.
func (db *deploymentsDB) AllForServer(ctx context.Context, serverID string) (_ []dispatch.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.query(ctx, `WHERE server_id = ?`, serverID)
}

// DeleteAllForServer implements dispatch.DB.
func (db *deploymentsDB) DeleteAllForServer(ctx context.Context, serverID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		DELETE FROM d_channel_deployment WHERE server_id = ?`),
		serverID,
	)
	return ErrDeploymentsDB.Wrap(err)
}

func (db *deploymentsDB) query(ctx context.Context, where string, arg any) (_ []dispatch.Deployment, err error) {
	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, server_id, revision, deployed_at
		FROM d_channel_deployment `+where+`
		ORDER BY channel_id, server_id`),
		arg,
	)
	if err != nil {
		return nil, ErrDeploymentsDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []dispatch.Deployment
	for rows.Next() {
		var deployment dispatch.Deployment
		var deployedAt time.Time
		err = rows.Scan(&deployment.ChannelID, &deployment.ServerID,
			&deployment.Revision, &deployedAt)
		if err != nil {
			return nil, ErrDeploymentsDB.Wrap(err)
		}
		deployment.DeployedAt = deployedAt.UTC()
		out = append(out, deployment)
	}
	return out, ErrDeploymentsDB.Wrap(rows.Err())
}
