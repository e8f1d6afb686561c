// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package msgstore defines durable storage for messages, their per-stage
// content, attachments, custom metadata, and channel statistics.
package msgstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default msgstore errs class.
var Error = errs.Class("msgstore")

// Status is the processing status of a connector message.
type Status string

// Connector message statuses. Stored as-is; the legacy peer reads the same
// values.
const (
	StatusReceived    Status = "RECEIVED"
	StatusFiltered    Status = "FILTERED"
	StatusTransformed Status = "TRANSFORMED"
	StatusQueued      Status = "QUEUED"
	StatusSent        Status = "SENT"
	StatusError       Status = "ERROR"
	StatusPending     Status = "PENDING"
)

// ContentType identifies a processing stage slot for stored content.
type ContentType int

// Content type ids are fixed integers shared with the legacy peer schema.
// Never renumber.
const (
	ContentRaw                 ContentType = 1
	ContentProcessedRaw        ContentType = 2
	ContentTransformed         ContentType = 3
	ContentEncoded             ContentType = 4
	ContentSent                ContentType = 5
	ContentResponse            ContentType = 6
	ContentResponseTransformed ContentType = 7
	ContentProcessedResponse   ContentType = 8
	ContentConnectorMap        ContentType = 9
	ContentChannelMap          ContentType = 10
	ContentResponseMap         ContentType = 11
	ContentProcessingError     ContentType = 12
	ContentPostprocessorError  ContentType = 13
	ContentSourceMap           ContentType = 14
)

// String returns the stage name for the content type.
func (t ContentType) String() string {
	switch t {
	case ContentRaw:
		return "RAW"
	case ContentProcessedRaw:
		return "PROCESSED_RAW"
	case ContentTransformed:
		return "TRANSFORMED"
	case ContentEncoded:
		return "ENCODED"
	case ContentSent:
		return "SENT"
	case ContentResponse:
		return "RESPONSE"
	case ContentResponseTransformed:
		return "RESPONSE_TRANSFORMED"
	case ContentProcessedResponse:
		return "PROCESSED_RESPONSE"
	case ContentConnectorMap:
		return "CONNECTOR_MAP"
	case ContentChannelMap:
		return "CHANNEL_MAP"
	case ContentResponseMap:
		return "RESPONSE_MAP"
	case ContentProcessingError:
		return "PROCESSING_ERROR"
	case ContentPostprocessorError:
		return "POSTPROCESSOR_ERROR"
	case ContentSourceMap:
		return "SOURCE_MAP"
	default:
		return "UNKNOWN"
	}
}

// AllContentTypes lists every stage slot in id order.
var AllContentTypes = []ContentType{
	ContentRaw, ContentProcessedRaw, ContentTransformed, ContentEncoded,
	ContentSent, ContentResponse, ContentResponseTransformed,
	ContentProcessedResponse, ContentConnectorMap, ContentChannelMap,
	ContentResponseMap, ContentProcessingError, ContentPostprocessorError,
	ContentSourceMap,
}

// SourceMetadataID is the metadata id of the source connector. Destinations
// are numbered from 1.
const SourceMetadataID = 0

// Message is one received message on a channel.
type Message struct {
	ChannelID  string
	MessageID  int64
	ServerID   string
	ReceivedAt time.Time
	Processed  bool

	// OriginalID links a reprocessed message back to the message it was
	// reprocessed from.
	OriginalID *int64
	// ImportID links an imported message to its foreign id.
	ImportID *int64
	// SequenceID orders sub-messages produced by one batch read. Zero for
	// non-batch messages.
	SequenceID int64
}

// ConnectorMessage is the per-connector processing record of a message.
type ConnectorMessage struct {
	ChannelID     string
	MessageID     int64
	MetadataID    int
	ServerID      string
	ConnectorName string
	Status        Status
	ReceivedAt    time.Time
	SendAttempts  int
	SentAt        *time.Time
	RespondedAt   *time.Time
}

// Content is one stage slot of one connector message.
type Content struct {
	ChannelID  string
	MessageID  int64
	MetadataID int
	Type       ContentType
	Data       []byte
	DataType   string
	Encrypted  bool
}

// Attachment is binary content lifted out of a message body and replaced by
// a ${ATTACH:<id>} token.
type Attachment struct {
	ChannelID    string
	MessageID    int64
	AttachmentID string
	Type         string
	Data         []byte
	Encrypted    bool
}

// CustomMetadata is the indexed metadata row of a connector message. Source,
// Type, and Version map to the mirth_source, mirth_type, and mirth_version
// columns the legacy peer queries by name. Custom carries channel-defined
// columns added through EnsureMetadataColumns.
type CustomMetadata struct {
	ChannelID  string
	MessageID  int64
	MetadataID int
	Source     string
	Type       string
	Version    string
	Custom     map[string]string
}

// Stats are the per-connector statistics counters of a channel.
type Stats struct {
	Received    int64
	Filtered    int64
	Transformed int64
	Pending     int64
	Sent        int64
	Error       int64
}

// Add accumulates a delta into the stats.
func (s *Stats) Add(d Stats) {
	s.Received += d.Received
	s.Filtered += d.Filtered
	s.Transformed += d.Transformed
	s.Pending += d.Pending
	s.Sent += d.Sent
	s.Error += d.Error
}

// IsZero reports whether every counter is zero.
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// Filter selects messages for search and count operations.
type Filter struct {
	Statuses   []Status
	MinDate    *time.Time
	MaxDate    *time.Time
	TextSearch string
	ServerID   string
}

// Page bounds a search result.
type Page struct {
	Offset int64
	Limit  int
}

// MessageSummary is one search result row.
type MessageSummary struct {
	ChannelID    string
	MessageID    int64
	ServerID     string
	ReceivedAt   time.Time
	Processed    bool
	SourceStatus Status
}

// QueueItem is one outstanding destination queue entry.
type QueueItem struct {
	ChannelID  string
	MessageID  int64
	MetadataID int
}

// DB is the durable message store.
//
// architecture: Database
type DB interface {
	// CreateMessage inserts the message row.
	CreateMessage(ctx context.Context, msg Message) error
	// NextMessages returns messages received after afterID in id order.
	NextMessages(ctx context.Context, channelID string, afterID int64, limit int) ([]Message, error)
	// GetMessage returns one message row.
	GetMessage(ctx context.Context, channelID string, messageID int64) (*Message, error)
	// MarkProcessed flips the processed flag of a message.
	MarkProcessed(ctx context.Context, channelID string, messageID int64) error

	// UpsertConnectorMessage inserts or replaces the per-connector record.
	UpsertConnectorMessage(ctx context.Context, cm ConnectorMessage) error
	// GetConnectorMessage returns one per-connector record.
	GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metadataID int) (*ConnectorMessage, error)
	// ConnectorMessages returns all per-connector records of a message in
	// metadata id order.
	ConnectorMessages(ctx context.Context, channelID string, messageID int64) ([]ConnectorMessage, error)

	// PutContent stores a stage slot, last writer wins.
	PutContent(ctx context.Context, content Content) error
	// GetContent returns one stage slot or nil when absent.
	GetContent(ctx context.Context, channelID string, messageID int64, metadataID int, contentType ContentType) (*Content, error)
	// ListContent returns every stored stage slot of a message.
	ListContent(ctx context.Context, channelID string, messageID int64) ([]Content, error)

	// PutAttachment stores an attachment row.
	PutAttachment(ctx context.Context, att Attachment) error
	// GetAttachment returns one attachment or nil when absent.
	GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*Attachment, error)
	// ListAttachments returns all attachments of a message.
	ListAttachments(ctx context.Context, channelID string, messageID int64) ([]Attachment, error)

	// PutCustomMetadata stores the indexed metadata row.
	PutCustomMetadata(ctx context.Context, meta CustomMetadata) error
	// GetCustomMetadata returns the indexed metadata row or nil when absent.
	GetCustomMetadata(ctx context.Context, channelID string, messageID int64, metadataID int) (*CustomMetadata, error)
	// EnsureMetadataColumns adds channel-defined metadata columns when they
	// do not exist yet.
	EnsureMetadataColumns(ctx context.Context, columns []string) error

	// Search returns message summaries matching the filter.
	Search(ctx context.Context, channelID string, filter Filter, page Page) ([]MessageSummary, error)
	// CountByFilter returns the number of messages matching the filter.
	CountByFilter(ctx context.Context, channelID string, filter Filter) (int64, error)

	// ReadQueued returns queued destination work after afterID in id order.
	ReadQueued(ctx context.Context, channelID string, metadataID int, afterID int64, limit int) ([]QueueItem, error)
	// PendingQueued counts queued destination work.
	PendingQueued(ctx context.Context, channelID string, metadataID int) (int64, error)

	// IncStats accumulates statistics counters for a connector.
	IncStats(ctx context.Context, channelID string, metadataID int, delta Stats) error
	// GetStats returns the statistics counters for a connector.
	GetStats(ctx context.Context, channelID string, metadataID int) (Stats, error)

	// PruneMessages deletes processed messages received before olderThan,
	// cascading over content, attachments, and metadata. Returns the number
	// of deleted messages.
	PruneMessages(ctx context.Context, channelID string, olderThan time.Time, limit int) (int64, error)
}
