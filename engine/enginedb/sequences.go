// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"

	"github.com/meridian-hie/meridian/engine/sequence"
)

// ensures that sequencesDB implements sequence.DB.
var _ sequence.DB = (*sequencesDB)(nil)

// ErrSequencesDB represents errors from the message sequence tables.
var ErrSequencesDB = errs.Class("sequencesdb")

type sequencesDB struct {
	db *DB
}

// ClaimBlock implements sequence.DB. The counter is advanced and read in
// one transaction, the row lock serializes concurrent claimants so blocks
// never overlap.
func (db *sequencesDB) ClaimBlock(ctx context.Context, channelID, serverID string, size int64) (start, end int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if size <= 0 {
		return 0, 0, ErrSequencesDB.New("invalid block size %d", size)
	}

	err = txutil.WithTx(ctx, db.db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		_, err := tx.Exec(ctx, db.db.rebind(`
			INSERT INTO d_message_sequence (channel_id, counter) VALUES (?, 0)
			ON CONFLICT (channel_id) DO NOTHING`),
			channelID,
		)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, db.db.rebind(`
			UPDATE d_message_sequence SET counter = counter + ?
			WHERE channel_id = ?
			RETURNING counter`),
			size, channelID,
		).Scan(&end)
		if err != nil {
			return err
		}
		start = end - size + 1

		_, err = tx.Exec(ctx, db.db.rebind(`
			INSERT INTO d_sequence_block (channel_id, block_start, block_end, server_id, claimed_at)
			VALUES (?, ?, ?, ?, ?)`),
			channelID, start, end, serverID, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return 0, 0, ErrSequencesDB.Wrap(err)
	}
	return start, end, nil
}
