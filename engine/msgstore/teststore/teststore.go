// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package teststore implements an in-memory message store for tests.
package teststore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

type messageKey struct {
	channelID string
	messageID int64
}

type connectorKey struct {
	channelID  string
	messageID  int64
	metadataID int
}

type contentKey struct {
	channelID   string
	messageID   int64
	metadataID  int
	contentType msgstore.ContentType
}

type attachmentKey struct {
	channelID    string
	messageID    int64
	attachmentID string
}

type statsKey struct {
	channelID  string
	metadataID int
}

// DB implements msgstore.DB and the sequence claim in memory. Safe for
// concurrent use. The zero value is not usable; call New.
type DB struct {
	mu sync.Mutex

	messages    map[messageKey]msgstore.Message
	connectors  map[connectorKey]msgstore.ConnectorMessage
	contents    map[contentKey]msgstore.Content
	attachments map[attachmentKey]msgstore.Attachment
	metadata    map[connectorKey]msgstore.CustomMetadata
	stats       map[statsKey]msgstore.Stats
	counters    map[string]int64
	columns     []string

	// FailCreateMessage makes CreateMessage return this error, for
	// exercising pipeline abort paths.
	FailCreateMessage error
}

// New creates an empty in-memory message store.
func New() *DB {
	return &DB{
		messages:    map[messageKey]msgstore.Message{},
		connectors:  map[connectorKey]msgstore.ConnectorMessage{},
		contents:    map[contentKey]msgstore.Content{},
		attachments: map[attachmentKey]msgstore.Attachment{},
		metadata:    map[connectorKey]msgstore.CustomMetadata{},
		stats:       map[statsKey]msgstore.Stats{},
		counters:    map[string]int64{},
	}
}

// CreateMessage implements msgstore.DB.
func (db *DB) CreateMessage(ctx context.Context, msg msgstore.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.FailCreateMessage != nil {
		return db.FailCreateMessage
	}
	db.messages[messageKey{msg.ChannelID, msg.MessageID}] = msg
	return nil
}

// NextMessages implements msgstore.DB.
func (db *DB) NextMessages(ctx context.Context, channelID string, afterID int64, limit int) ([]msgstore.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.Message
	for key, msg := range db.messages {
		if key.channelID == channelID && key.messageID > afterID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMessage implements msgstore.DB.
func (db *DB) GetMessage(ctx context.Context, channelID string, messageID int64) (*msgstore.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if msg, ok := db.messages[messageKey{channelID, messageID}]; ok {
		return &msg, nil
	}
	return nil, nil
}

// MarkProcessed implements msgstore.DB.
func (db *DB) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := messageKey{channelID, messageID}
	msg, ok := db.messages[key]
	if !ok {
		return msgstore.Error.New("message %s/%d not found", channelID, messageID)
	}
	msg.Processed = true
	db.messages[key] = msg
	return nil
}

// UpsertConnectorMessage implements msgstore.DB.
func (db *DB) UpsertConnectorMessage(ctx context.Context, cm msgstore.ConnectorMessage) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectors[connectorKey{cm.ChannelID, cm.MessageID, cm.MetadataID}] = cm
	return nil
}

// GetConnectorMessage implements msgstore.DB.
func (db *DB) GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metadataID int) (*msgstore.ConnectorMessage, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cm, ok := db.connectors[connectorKey{channelID, messageID, metadataID}]; ok {
		return &cm, nil
	}
	return nil, nil
}

// ConnectorMessages implements msgstore.DB.
func (db *DB) ConnectorMessages(ctx context.Context, channelID string, messageID int64) ([]msgstore.ConnectorMessage, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.ConnectorMessage
	for key, cm := range db.connectors {
		if key.channelID == channelID && key.messageID == messageID {
			out = append(out, cm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetadataID < out[j].MetadataID })
	return out, nil
}

// PutContent implements msgstore.DB.
func (db *DB) PutContent(ctx context.Context, content msgstore.Content) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.contents[contentKey{content.ChannelID, content.MessageID, content.MetadataID, content.Type}] = content
	return nil
}

// GetContent implements msgstore.DB.
func (db *DB) GetContent(ctx context.Context, channelID string, messageID int64, metadataID int, contentType msgstore.ContentType) (*msgstore.Content, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if content, ok := db.contents[contentKey{channelID, messageID, metadataID, contentType}]; ok {
		return &content, nil
	}
	return nil, nil
}

// ListContent implements msgstore.DB.
func (db *DB) ListContent(ctx context.Context, channelID string, messageID int64) ([]msgstore.Content, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.Content
	for key, content := range db.contents {
		if key.channelID == channelID && key.messageID == messageID {
			out = append(out, content)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MetadataID != out[j].MetadataID {
			return out[i].MetadataID < out[j].MetadataID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// PutAttachment implements msgstore.DB.
func (db *DB) PutAttachment(ctx context.Context, att msgstore.Attachment) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.attachments[attachmentKey{att.ChannelID, att.MessageID, att.AttachmentID}] = att
	return nil
}

// GetAttachment implements msgstore.DB.
func (db *DB) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*msgstore.Attachment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if att, ok := db.attachments[attachmentKey{channelID, messageID, attachmentID}]; ok {
		return &att, nil
	}
	return nil, nil
}

// ListAttachments implements msgstore.DB.
func (db *DB) ListAttachments(ctx context.Context, channelID string, messageID int64) ([]msgstore.Attachment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.Attachment
	for key, att := range db.attachments {
		if key.channelID == channelID && key.messageID == messageID {
			out = append(out, att)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttachmentID < out[j].AttachmentID })
	return out, nil
}

// PutCustomMetadata implements msgstore.DB.
func (db *DB) PutCustomMetadata(ctx context.Context, meta msgstore.CustomMetadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.metadata[connectorKey{meta.ChannelID, meta.MessageID, meta.MetadataID}] = meta
	return nil
}

// GetCustomMetadata implements msgstore.DB.
func (db *DB) GetCustomMetadata(ctx context.Context, channelID string, messageID int64, metadataID int) (*msgstore.CustomMetadata, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if meta, ok := db.metadata[connectorKey{channelID, messageID, metadataID}]; ok {
		return &meta, nil
	}
	return nil, nil
}

// EnsureMetadataColumns implements msgstore.DB.
func (db *DB) EnsureMetadataColumns(ctx context.Context, columns []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, column := range columns {
		found := false
		for _, existing := range db.columns {
			if existing == column {
				found = true
				break
			}
		}
		if !found {
			db.columns = append(db.columns, column)
		}
	}
	return nil
}

// MetadataColumns returns the added custom columns, for assertions.
func (db *DB) MetadataColumns() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.columns...)
}

// Search implements msgstore.DB.
func (db *DB) Search(ctx context.Context, channelID string, filter msgstore.Filter, page msgstore.Page) ([]msgstore.MessageSummary, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.MessageSummary
	for key, msg := range db.messages {
		if key.channelID != channelID {
			continue
		}
		summary := msgstore.MessageSummary{
			ChannelID:  msg.ChannelID,
			MessageID:  msg.MessageID,
			ServerID:   msg.ServerID,
			ReceivedAt: msg.ReceivedAt,
			Processed:  msg.Processed,
		}
		if cm, ok := db.connectors[connectorKey{channelID, msg.MessageID, msgstore.SourceMetadataID}]; ok {
			summary.SourceStatus = cm.Status
		}
		if !db.matchesLocked(msg, summary.SourceStatus, filter) {
			continue
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })

	if page.Offset > 0 {
		if page.Offset >= int64(len(out)) {
			return nil, nil
		}
		out = out[page.Offset:]
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

// CountByFilter implements msgstore.DB.
func (db *DB) CountByFilter(ctx context.Context, channelID string, filter msgstore.Filter) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int64
	for key, msg := range db.messages {
		if key.channelID != channelID {
			continue
		}
		var status msgstore.Status
		if cm, ok := db.connectors[connectorKey{channelID, msg.MessageID, msgstore.SourceMetadataID}]; ok {
			status = cm.Status
		}
		if db.matchesLocked(msg, status, filter) {
			count++
		}
	}
	return count, nil
}

func (db *DB) matchesLocked(msg msgstore.Message, sourceStatus msgstore.Status, filter msgstore.Filter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if status == sourceStatus {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.MinDate != nil && msg.ReceivedAt.Before(*filter.MinDate) {
		return false
	}
	if filter.MaxDate != nil && msg.ReceivedAt.After(*filter.MaxDate) {
		return false
	}
	if filter.ServerID != "" && msg.ServerID != filter.ServerID {
		return false
	}
	if filter.TextSearch != "" {
		raw, ok := db.contents[contentKey{msg.ChannelID, msg.MessageID, msgstore.SourceMetadataID, msgstore.ContentRaw}]
		if !ok || !strings.Contains(string(raw.Data), filter.TextSearch) {
			return false
		}
	}
	return true
}

// ReadQueued implements msgstore.DB.
func (db *DB) ReadQueued(ctx context.Context, channelID string, metadataID int, afterID int64, limit int) ([]msgstore.QueueItem, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []msgstore.QueueItem
	for key, cm := range db.connectors {
		if key.channelID != channelID || key.metadataID != metadataID {
			continue
		}
		if cm.Status != msgstore.StatusQueued || key.messageID <= afterID {
			continue
		}
		out = append(out, msgstore.QueueItem{
			ChannelID:  key.channelID,
			MessageID:  key.messageID,
			MetadataID: key.metadataID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingQueued implements msgstore.DB.
func (db *DB) PendingQueued(ctx context.Context, channelID string, metadataID int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int64
	for key, cm := range db.connectors {
		if key.channelID == channelID && key.metadataID == metadataID && cm.Status == msgstore.StatusQueued {
			count++
		}
	}
	return count, nil
}

// IncStats implements msgstore.DB.
func (db *DB) IncStats(ctx context.Context, channelID string, metadataID int, delta msgstore.Stats) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := statsKey{channelID, metadataID}
	stats := db.stats[key]
	stats.Add(delta)
	db.stats[key] = stats
	return nil
}

// GetStats implements msgstore.DB.
func (db *DB) GetStats(ctx context.Context, channelID string, metadataID int) (msgstore.Stats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stats[statsKey{channelID, metadataID}], nil
}

// PruneMessages implements msgstore.DB.
func (db *DB) PruneMessages(ctx context.Context, channelID string, olderThan time.Time, limit int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var ids []int64
	for key, msg := range db.messages {
		if key.channelID != channelID || !msg.Processed {
			continue
		}
		if msg.ReceivedAt.Before(olderThan) {
			ids = append(ids, key.messageID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	for _, id := range ids {
		delete(db.messages, messageKey{channelID, id})
		for key := range db.connectors {
			if key.channelID == channelID && key.messageID == id {
				delete(db.connectors, key)
			}
		}
		for key := range db.contents {
			if key.channelID == channelID && key.messageID == id {
				delete(db.contents, key)
			}
		}
		for key := range db.attachments {
			if key.channelID == channelID && key.messageID == id {
				delete(db.attachments, key)
			}
		}
		for key := range db.metadata {
			if key.channelID == channelID && key.messageID == id {
				delete(db.metadata, key)
			}
		}
	}
	return int64(len(ids)), nil
}

// ClaimBlock implements sequence.DB: it reserves a contiguous id block for
// one server.
func (db *DB) ClaimBlock(ctx context.Context, channelID, serverID string, size int64) (start, end int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	counter := db.counters[channelID]
	start = counter + 1
	end = counter + size
	db.counters[channelID] = end
	return start, end, nil
}

// MessageCount returns how many messages a channel holds, for assertions.
func (db *DB) MessageCount(channelID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	count := 0
	for key := range db.messages {
		if key.channelID == channelID {
			count++
		}
	}
	return count
}
