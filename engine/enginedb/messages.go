// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/dbutil"
	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

// ensures that messagesDB implements msgstore.DB.
var _ msgstore.DB = (*messagesDB)(nil)

// ErrMessagesDB represents errors from the message tables.
var ErrMessagesDB = errs.Class("messagesdb")

// metadataColumnName restricts channel-defined metadata columns to plain
// identifiers, they are spliced into DDL and cannot be placeholders.
var metadataColumnName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

type messagesDB struct {
	db *DB
}

// CreateMessage implements msgstore.DB.
func (db *messagesDB) CreateMessage(ctx context.Context, msg msgstore.Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_message (
			channel_id, message_id, server_id, received_at, processed,
			original_id, import_id, sequence_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ChannelID, msg.MessageID, msg.ServerID, msg.ReceivedAt.UTC(), msg.Processed,
		msg.OriginalID, msg.ImportID, msg.SequenceID,
	)
	return ErrMessagesDB.Wrap(err)
}

// NextMessages implements msgstore.DB.
func (db *messagesDB) NextMessages(ctx context.Context, channelID string, afterID int64, limit int) (_ []msgstore.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT channel_id, message_id, server_id, received_at, processed,
			original_id, import_id, sequence_id
		FROM d_message
		WHERE channel_id = ? AND message_id > ?
		ORDER BY message_id`
	args := []any{channelID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(query), args...)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		out = append(out, msg)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// GetMessage implements msgstore.DB.
func (db *messagesDB) GetMessage(ctx context.Context, channelID string, messageID int64) (_ *msgstore.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT channel_id, message_id, server_id, received_at, processed,
			original_id, import_id, sequence_id
		FROM d_message
		WHERE channel_id = ? AND message_id = ?`),
		channelID, messageID,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	return &msg, nil
}

// MarkProcessed implements msgstore.DB.
func (db *messagesDB) MarkProcessed(ctx context.Context, channelID string, messageID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		UPDATE d_message SET processed = true
		WHERE channel_id = ? AND message_id = ?`),
		channelID, messageID,
	)
	return ErrMessagesDB.Wrap(err)
}

// UpsertConnectorMessage implements msgstore.DB.
func (db *messagesDB) UpsertConnectorMessage(ctx context.Context, cm msgstore.ConnectorMessage) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_connector_message (
			channel_id, message_id, metadata_id, server_id, connector_name,
			status, received_at, send_attempts, sent_at, responded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, message_id, metadata_id) DO UPDATE SET
			server_id = excluded.server_id,
			connector_name = excluded.connector_name,
			status = excluded.status,
			received_at = excluded.received_at,
			send_attempts = excluded.send_attempts,
			sent_at = excluded.sent_at,
			responded_at = excluded.responded_at`),
		cm.ChannelID, cm.MessageID, cm.MetadataID, cm.ServerID, cm.ConnectorName,
		string(cm.Status), cm.ReceivedAt.UTC(), cm.SendAttempts,
		nullableTime(cm.SentAt), nullableTime(cm.RespondedAt),
	)
	return ErrMessagesDB.Wrap(err)
}

// GetConnectorMessage implements msgstore.DB.
func (db *messagesDB) GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metadataID int) (_ *msgstore.ConnectorMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT channel_id, message_id, metadata_id, server_id, connector_name,
			status, received_at, send_attempts, sent_at, responded_at
		FROM d_connector_message
		WHERE channel_id = ? AND message_id = ? AND metadata_id = ?`),
		channelID, messageID, metadataID,
	)

	cm, err := scanConnectorMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	return &cm, nil
}

// ConnectorMessages implements msgstore.DB.
func (db *messagesDB) ConnectorMessages(ctx context.Context, channelID string, messageID int64) (_ []msgstore.ConnectorMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, message_id, metadata_id, server_id, connector_name,
			status, received_at, send_attempts, sent_at, responded_at
		FROM d_connector_message
		WHERE channel_id = ? AND message_id = ?
		ORDER BY metadata_id`),
		channelID, messageID,
	)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.ConnectorMessage
	for rows.Next() {
		cm, err := scanConnectorMessage(rows)
		if err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		out = append(out, cm)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// PutContent implements msgstore.DB.
func (db *messagesDB) PutContent(ctx context.Context, content msgstore.Content) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_message_content (
			channel_id, message_id, metadata_id, content_type,
			data, data_type, encrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, message_id, metadata_id, content_type) DO UPDATE SET
			data = excluded.data,
			data_type = excluded.data_type,
			encrypted = excluded.encrypted`),
		content.ChannelID, content.MessageID, content.MetadataID, int(content.Type),
		content.Data, content.DataType, content.Encrypted,
	)
	return ErrMessagesDB.Wrap(err)
}

// GetContent implements msgstore.DB.
func (db *messagesDB) GetContent(ctx context.Context, channelID string, messageID int64, metadataID int, contentType msgstore.ContentType) (_ *msgstore.Content, err error) {
	defer mon.Task()(&ctx)(&err)

	content := msgstore.Content{
		ChannelID:  channelID,
		MessageID:  messageID,
		MetadataID: metadataID,
		Type:       contentType,
	}
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT data, data_type, encrypted
		FROM d_message_content
		WHERE channel_id = ? AND message_id = ? AND metadata_id = ? AND content_type = ?`),
		channelID, messageID, metadataID, int(contentType),
	).Scan(&content.Data, &content.DataType, &content.Encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	return &content, nil
}

// ListContent implements msgstore.DB.
func (db *messagesDB) ListContent(ctx context.Context, channelID string, messageID int64) (_ []msgstore.Content, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, message_id, metadata_id, content_type,
			data, data_type, encrypted
		FROM d_message_content
		WHERE channel_id = ? AND message_id = ?
		ORDER BY metadata_id, content_type`),
		channelID, messageID,
	)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.Content
	for rows.Next() {
		var content msgstore.Content
		var contentType int
		err = rows.Scan(&content.ChannelID, &content.MessageID, &content.MetadataID,
			&contentType, &content.Data, &content.DataType, &content.Encrypted)
		if err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		content.Type = msgstore.ContentType(contentType)
		out = append(out, content)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// PutAttachment implements msgstore.DB.
func (db *messagesDB) PutAttachment(ctx context.Context, att msgstore.Attachment) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_message_attachment (
			channel_id, message_id, attachment_id, type, data, encrypted
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, message_id, attachment_id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			encrypted = excluded.encrypted`),
		att.ChannelID, att.MessageID, att.AttachmentID, att.Type, att.Data, att.Encrypted,
	)
	return ErrMessagesDB.Wrap(err)
}

// GetAttachment implements msgstore.DB.
func (db *messagesDB) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (_ *msgstore.Attachment, err error) {
	defer mon.Task()(&ctx)(&err)

	att := msgstore.Attachment{
		ChannelID:    channelID,
		MessageID:    messageID,
		AttachmentID: attachmentID,
	}
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT type, data, encrypted
		FROM d_message_attachment
		WHERE channel_id = ? AND message_id = ? AND attachment_id = ?`),
		channelID, messageID, attachmentID,
	).Scan(&att.Type, &att.Data, &att.Encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	return &att, nil
}

// ListAttachments implements msgstore.DB.
func (db *messagesDB) ListAttachments(ctx context.Context, channelID string, messageID int64) (_ []msgstore.Attachment, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT channel_id, message_id, attachment_id, type, data, encrypted
		FROM d_message_attachment
		WHERE channel_id = ? AND message_id = ?
		ORDER BY attachment_id`),
		channelID, messageID,
	)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.Attachment
	for rows.Next() {
		var att msgstore.Attachment
		err = rows.Scan(&att.ChannelID, &att.MessageID, &att.AttachmentID,
			&att.Type, &att.Data, &att.Encrypted)
		if err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		out = append(out, att)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// PutCustomMetadata implements msgstore.DB. Channel-defined columns in
// meta.Custom must have been added through EnsureMetadataColumns first.
func (db *messagesDB) PutCustomMetadata(ctx context.Context, meta msgstore.CustomMetadata) (err error) {
	defer mon.Task()(&ctx)(&err)

	columns := []string{"mirth_source", "mirth_type", "mirth_version"}
	values := []any{meta.Source, meta.Type, meta.Version}

	custom := make([]string, 0, len(meta.Custom))
	for name := range meta.Custom {
		if !metadataColumnName.MatchString(name) {
			return ErrMessagesDB.New("invalid metadata column name %q", name)
		}
		custom = append(custom, name)
	}
	sort.Strings(custom)
	for _, name := range custom {
		columns = append(columns, name)
		values = append(values, meta.Custom[name])
	}

	query := `INSERT INTO d_message_custom_metadata (channel_id, message_id, metadata_id`
	for _, name := range columns {
		query += `, ` + name
	}
	query += `) VALUES (` + placeholders(3+len(columns)) + `)
		ON CONFLICT (channel_id, message_id, metadata_id) DO UPDATE SET`
	for i, name := range columns {
		if i > 0 {
			query += `,`
		}
		query += ` ` + name + ` = excluded.` + name
	}

	args := append([]any{meta.ChannelID, meta.MessageID, meta.MetadataID}, values...)
	_, err = db.db.db.ExecContext(ctx, db.db.rebind(query), args...)
	return ErrMessagesDB.Wrap(err)
}

// GetCustomMetadata implements msgstore.DB. Columns beyond the mirth_*
// triple are returned in Custom.
func (db *messagesDB) GetCustomMetadata(ctx context.Context, channelID string, messageID int64, metadataID int) (_ *msgstore.CustomMetadata, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(`
		SELECT * FROM d_message_custom_metadata
		WHERE channel_id = ? AND message_id = ? AND metadata_id = ?`),
		channelID, messageID, metadataID,
	)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		return nil, nil
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	scanned := make([]sql.NullString, len(columns))
	targets := make([]any, len(columns))
	for i := range scanned {
		targets[i] = &scanned[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}

	meta := msgstore.CustomMetadata{
		ChannelID:  channelID,
		MessageID:  messageID,
		MetadataID: metadataID,
		Custom:     map[string]string{},
	}
	for i, name := range columns {
		switch name {
		case "channel_id", "message_id", "metadata_id":
		case "mirth_source":
			meta.Source = scanned[i].String
		case "mirth_type":
			meta.Type = scanned[i].String
		case "mirth_version":
			meta.Version = scanned[i].String
		default:
			meta.Custom[name] = scanned[i].String
		}
	}
	return &meta, ErrMessagesDB.Wrap(rows.Err())
}

// EnsureMetadataColumns implements msgstore.DB. Adding a column twice is
// not an error, two instances deploying the same channel race here.
func (db *messagesDB) EnsureMetadataColumns(ctx context.Context, columns []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(columns) == 0 {
		return nil
	}
	db.db.columnsMu.Lock()
	defer db.db.columnsMu.Unlock()

	existing, err := db.metadataColumns(ctx)
	if err != nil {
		return ErrMessagesDB.Wrap(err)
	}

	for _, name := range columns {
		if !metadataColumnName.MatchString(name) {
			return ErrMessagesDB.New("invalid metadata column name %q", name)
		}
		if existing[name] {
			continue
		}
		_, err = db.db.db.ExecContext(ctx,
			`ALTER TABLE d_message_custom_metadata ADD COLUMN `+name+` TEXT NOT NULL DEFAULT ''`)
		if err != nil {
			recheck, recheckErr := db.metadataColumns(ctx)
			if recheckErr == nil && recheck[name] {
				continue
			}
			return ErrMessagesDB.Wrap(err)
		}
	}
	return nil
}

// metadataColumns returns the current column set of the custom metadata
// table.
func (db *messagesDB) metadataColumns(ctx context.Context) (_ map[string]bool, err error) {
	var rows tagsql.Rows
	switch db.db.impl {
	case dbutil.SQLite3:
		rows, err = db.db.db.QueryContext(ctx,
			`SELECT name FROM pragma_table_info('d_message_custom_metadata')`)
	default:
		rows, err = db.db.db.QueryContext(ctx, db.db.rebind(`
			SELECT column_name FROM information_schema.columns
			WHERE table_name = ?`),
			"d_message_custom_metadata")
	}
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// Search implements msgstore.DB. Text search matches the stored raw bytes,
// content stored encrypted does not match.
func (db *messagesDB) Search(ctx context.Context, channelID string, filter msgstore.Filter, page msgstore.Page) (_ []msgstore.MessageSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	where, args := db.filterClause(filter)
	query := `
		SELECT m.channel_id, m.message_id, m.server_id, m.received_at, m.processed, cm.status
		FROM d_message m
		LEFT JOIN d_connector_message cm
			ON cm.channel_id = m.channel_id AND cm.message_id = m.message_id AND cm.metadata_id = 0
		WHERE m.channel_id = ?` + where + `
		ORDER BY m.message_id`
	args = append([]any{channelID}, args...)
	switch {
	case page.Limit > 0 && page.Offset > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	case page.Limit > 0:
		query += ` LIMIT ?`
		args = append(args, page.Limit)
	case page.Offset > 0:
		// sqlite accepts OFFSET only after a LIMIT, -1 means unbounded.
		if db.db.impl == dbutil.SQLite3 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(query), args...)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.MessageSummary
	for rows.Next() {
		var summary msgstore.MessageSummary
		var receivedAt time.Time
		var status sql.NullString
		err = rows.Scan(&summary.ChannelID, &summary.MessageID, &summary.ServerID,
			&receivedAt, &summary.Processed, &status)
		if err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		summary.ReceivedAt = receivedAt.UTC()
		summary.SourceStatus = msgstore.Status(status.String)
		out = append(out, summary)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// CountByFilter implements msgstore.DB.
func (db *messagesDB) CountByFilter(ctx context.Context, channelID string, filter msgstore.Filter) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	where, args := db.filterClause(filter)
	query := `
		SELECT count(*)
		FROM d_message m
		LEFT JOIN d_connector_message cm
			ON cm.channel_id = m.channel_id AND cm.message_id = m.message_id AND cm.metadata_id = 0
		WHERE m.channel_id = ?` + where
	args = append([]any{channelID}, args...)

	var count int64
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(query), args...).Scan(&count)
	return count, ErrMessagesDB.Wrap(err)
}

// filterClause translates a message filter into SQL against the joined
// message and source connector message rows.
func (db *messagesDB) filterClause(filter msgstore.Filter) (string, []any) {
	var where string
	var args []any

	if len(filter.Statuses) > 0 {
		where += ` AND cm.status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.MinDate != nil {
		where += ` AND m.received_at >= ?`
		args = append(args, filter.MinDate.UTC())
	}
	if filter.MaxDate != nil {
		where += ` AND m.received_at <= ?`
		args = append(args, filter.MaxDate.UTC())
	}
	if filter.ServerID != "" {
		where += ` AND m.server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.TextSearch != "" {
		contains := `position(? in c.data) > 0`
		if db.db.impl == dbutil.SQLite3 {
			contains = `instr(c.data, ?) > 0`
		}
		where += ` AND EXISTS (
			SELECT 1 FROM d_message_content c
			WHERE c.channel_id = m.channel_id AND c.message_id = m.message_id
				AND c.content_type = ? AND ` + contains + `)`
		args = append(args, int(msgstore.ContentRaw), []byte(filter.TextSearch))
	}
	return where, args
}

// ReadQueued implements msgstore.DB.
func (db *messagesDB) ReadQueued(ctx context.Context, channelID string, metadataID int, afterID int64, limit int) (_ []msgstore.QueueItem, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT channel_id, message_id, metadata_id
		FROM d_connector_message
		WHERE channel_id = ? AND metadata_id = ? AND status = ? AND message_id > ?
		ORDER BY message_id`
	args := []any{channelID, metadataID, string(msgstore.StatusQueued), afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.db.QueryContext(ctx, db.db.rebind(query), args...)
	if err != nil {
		return nil, ErrMessagesDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []msgstore.QueueItem
	for rows.Next() {
		var item msgstore.QueueItem
		if err := rows.Scan(&item.ChannelID, &item.MessageID, &item.MetadataID); err != nil {
			return nil, ErrMessagesDB.Wrap(err)
		}
		out = append(out, item)
	}
	return out, ErrMessagesDB.Wrap(rows.Err())
}

// PendingQueued implements msgstore.DB.
func (db *messagesDB) PendingQueued(ctx context.Context, channelID string, metadataID int) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT count(*) FROM d_connector_message
		WHERE channel_id = ? AND metadata_id = ? AND status = ?`),
		channelID, metadataID, string(msgstore.StatusQueued),
	).Scan(&count)
	return count, ErrMessagesDB.Wrap(err)
}

// IncStats implements msgstore.DB.
func (db *messagesDB) IncStats(ctx context.Context, channelID string, metadataID int, delta msgstore.Stats) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx, db.db.rebind(`
		INSERT INTO d_channel_statistics (
			channel_id, metadata_id, received, filtered, transformed, pending, sent, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, metadata_id) DO UPDATE SET
			received = d_channel_statistics.received + excluded.received,
			filtered = d_channel_statistics.filtered + excluded.filtered,
			transformed = d_channel_statistics.transformed + excluded.transformed,
			pending = d_channel_statistics.pending + excluded.pending,
			sent = d_channel_statistics.sent + excluded.sent,
			error = d_channel_statistics.error + excluded.error`),
		channelID, metadataID, delta.Received, delta.Filtered, delta.Transformed,
		delta.Pending, delta.Sent, delta.Error,
	)
	return ErrMessagesDB.Wrap(err)
}

// GetStats implements msgstore.DB.
func (db *messagesDB) GetStats(ctx context.Context, channelID string, metadataID int) (_ msgstore.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats msgstore.Stats
	err = db.db.db.QueryRowContext(ctx, db.db.rebind(`
		SELECT received, filtered, transformed, pending, sent, error
		FROM d_channel_statistics
		WHERE channel_id = ? AND metadata_id = ?`),
		channelID, metadataID,
	).Scan(&stats.Received, &stats.Filtered, &stats.Transformed,
		&stats.Pending, &stats.Sent, &stats.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return msgstore.Stats{}, nil
	}
	return stats, ErrMessagesDB.Wrap(err)
}

// PruneMessages implements msgstore.DB. The same bounded id selection feeds
// every delete, so the cascade stays consistent inside the transaction.
func (db *messagesDB) PruneMessages(ctx context.Context, channelID string, olderThan time.Time, limit int) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 1000
	}
	selection := `
		SELECT message_id FROM d_message
		WHERE channel_id = ? AND processed = true AND received_at < ?
		ORDER BY message_id LIMIT ?`

	err = txutil.WithTx(ctx, db.db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		for _, table := range []string{
			"d_message_content",
			"d_message_attachment",
			"d_message_custom_metadata",
			"d_connector_message",
		} {
			_, err := tx.Exec(ctx, db.db.rebind(`
				DELETE FROM `+table+`
				WHERE channel_id = ? AND message_id IN (`+selection+`)`),
				channelID, channelID, olderThan.UTC(), limit,
			)
			if err != nil {
				return err
			}
		}

		result, err := tx.Exec(ctx, db.db.rebind(`
			DELETE FROM d_message
			WHERE channel_id = ? AND message_id IN (`+selection+`)`),
			channelID, channelID, olderThan.UTC(), limit,
		)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, ErrMessagesDB.Wrap(err)
}

// scanner is the part of sql.Row and sql.Rows that scanMessage needs.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (msg msgstore.Message, err error) {
	var receivedAt time.Time
	var originalID, importID sql.NullInt64
	err = row.Scan(&msg.ChannelID, &msg.MessageID, &msg.ServerID, &receivedAt,
		&msg.Processed, &originalID, &importID, &msg.SequenceID)
	if err != nil {
		return msgstore.Message{}, err
	}
	msg.ReceivedAt = receivedAt.UTC()
	if originalID.Valid {
		msg.OriginalID = &originalID.Int64
	}
	if importID.Valid {
		msg.ImportID = &importID.Int64
	}
	return msg, nil
}

func scanConnectorMessage(row scanner) (cm msgstore.ConnectorMessage, err error) {
	var status string
	var receivedAt time.Time
	var sentAt, respondedAt sql.NullTime
	err = row.Scan(&cm.ChannelID, &cm.MessageID, &cm.MetadataID, &cm.ServerID,
		&cm.ConnectorName, &status, &receivedAt, &cm.SendAttempts, &sentAt, &respondedAt)
	if err != nil {
		return msgstore.ConnectorMessage{}, err
	}
	cm.Status = msgstore.Status(status)
	cm.ReceivedAt = receivedAt.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		cm.SentAt = &t
	}
	if respondedAt.Valid {
		t := respondedAt.Time.UTC()
		cm.RespondedAt = &t
	}
	return cm, nil
}

// nullableTime converts an optional time for storage, normalized to UTC.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
