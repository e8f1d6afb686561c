// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/registry"
)

// ensures that serversDB implements registry.DB.
var _ registry.DB = (*serversDB)(nil)

// ErrServersDB represents errors from the server registry table.
var ErrServersDB = errs.Class("serversdb")

type serversDB struct {
	db *DB
}

// Upsert implements registry.DB.
func (db *serversDB) Upsert(ctx context.Context, node registry.Node) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_servers (
			server_id, hostname, port, api_url, started_at, last_heartbeat, status
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			hostname = excluded.hostname,
			port = excluded.port,
			api_url = excluded.api_url,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat,
			status = excluded.status`),
		node.ServerID, node.Hostname, node.Port, node.APIURL,
		node.StartedAt.UTC(), node.LastHeartbeat.UTC(), node.Status,
	)
	return ErrServersDB.Wrap(err)
}

// UpdateHeartbeat implements registry.DB.
func (db *serversDB) UpdateHeartbeat(ctx context.Context, serverID string, at time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx, db.db.rebind(`
		UPDATE d_servers SET last_heartbeat = ? WHERE server_id = ?`),
		at.UTC(), serverID,
	)
	if err != nil {
		return false, ErrServersDB.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, ErrServersDB.Wrap(err)
}

// SetStatus implements registry.DB.
func (db *serversDB) SetStatus(ctx context.Context, serverID, status string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		UPDATE d_servers SET status = ? WHERE server_id = ?`),
		status, serverID,
	)
	return ErrServersDB.Wrap(err)
}

// Get implements registry.DB.
func (db *serversDB) Get(ctx context.Context, serverID string) (_ *registry.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	node, err := scanNode(db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT server_id, hostname, port, api_url, started_at, last_heartbeat, status
		FROM d_servers WHERE server_id = ?`),
		serverID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrServersDB.Wrap(err)
	}
	return &node, nil
}

// All implements registry.DB.
func (db *serversDB) All(ctx context.Context) (_ []registry.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT server_id, hostname, port, api_url, started_at, last_heartbeat, status
		FROM d_servers ORDER BY server_id`))
	if err != nil {
		return nil, ErrServersDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []registry.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, ErrServersDB.Wrap(err)
		}
		out = append(out, node)
	}
	return out, ErrServersDB.Wrap(rows.Err())
}

func scanNode(row scanner) (node registry.Node, err error) {
	var startedAt, lastHeartbeat time.Time
	err = row.Scan(&node.ServerID, &node.Hostname, &node.Port, &node.APIURL,
		&startedAt, &lastHeartbeat, &node.Status)
	if err != nil {
		return registry.Node{}, err
	}
	node.StartedAt = startedAt.UTC()
	node.LastHeartbeat = lastHeartbeat.UTC()
	return node, nil
}
