// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package attachment carves large payload segments out of raw message
// content before it is stored, replacing each with a ${ATTACH:<id>} token.
// Destination sends resolve the tokens back into the original bytes.
package attachment

import (
	"bytes"
	"context"
	"regexp"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/meridian-hie/meridian/engine/msgstore"
)

var (
	// Error is the default attachment errs class.
	Error = errs.Class("attachment")

	mon = monkit.Package()

	tokenRx = regexp.MustCompile(`\$\{ATTACH:([^}]+)\}`)
)

// Handler type names accepted in channel configuration.
const (
	TypeNone  = "none"
	TypeRegex = "regex"
)

// Store is the slice of the message store the handlers work against.
type Store interface {
	StoreAttachment(ctx context.Context, att msgstore.Attachment) error
	Attachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*msgstore.Attachment, error)
}

// Handler rewrites raw content on the way into the store.
type Handler interface {
	// Extract stores any attachments found in data and returns data with
	// each extracted segment replaced by its token.
	Extract(ctx context.Context, channelID string, messageID int64, data []byte) ([]byte, error)
}

// Config selects and parameterizes a handler for one channel.
type Config struct {
	Type     string `yaml:"type"`
	Pattern  string `yaml:"pattern"`
	MIMEType string `yaml:"mimeType"`
}

// NewHandler builds the handler named by the configuration. Unknown types
// and invalid patterns are configuration errors surfaced at deploy time.
func NewHandler(config Config, store Store) (Handler, error) {
	switch config.Type {
	case "", TypeNone:
		return Passthrough{}, nil
	case TypeRegex:
		if config.Pattern == "" {
			return nil, Error.New("regex handler requires a pattern")
		}
		rx, err := regexp.Compile(config.Pattern)
		if err != nil {
			return nil, Error.New("invalid pattern %q: %v", config.Pattern, err)
		}
		mimeType := config.MIMEType
		if mimeType == "" {
			mimeType = "text/plain"
		}
		return &RegexExtractor{rx: rx, mimeType: mimeType, store: store}, nil
	default:
		return nil, Error.New("unknown attachment handler type %q", config.Type)
	}
}

// Passthrough leaves raw content untouched.
type Passthrough struct{}

// Extract returns data unchanged.
func (Passthrough) Extract(ctx context.Context, channelID string, messageID int64, data []byte) ([]byte, error) {
	return data, nil
}

// RegexExtractor extracts every match of a pattern. When the pattern has a
// capture group only the first group is extracted, leaving the surrounding
// match in place.
type RegexExtractor struct {
	rx       *regexp.Regexp
	mimeType string
	store    Store
}

// Extract stores each matched segment as an attachment and splices its
// token into the returned content.
func (extractor *RegexExtractor) Extract(ctx context.Context, channelID string, messageID int64, data []byte) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	matches := extractor.rx.FindAllSubmatchIndex(data, -1)
	if len(matches) == 0 {
		return data, nil
	}

	var out bytes.Buffer
	last := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		if len(match) >= 4 && match[2] >= 0 {
			start, end = match[2], match[3]
		}
		if end <= start {
			continue
		}

		id, err := uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		err = extractor.store.StoreAttachment(ctx, msgstore.Attachment{
			ChannelID:    channelID,
			MessageID:    messageID,
			AttachmentID: id.String(),
			Type:         extractor.mimeType,
			Data:         append([]byte(nil), data[start:end]...),
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		mon.Counter("attachments_extracted").Inc(1)

		out.Write(data[last:start])
		out.WriteString(Token(id.String()))
		last = end
	}
	out.Write(data[last:])
	return out.Bytes(), nil
}

// Token renders the inline reference for an attachment id.
func Token(id string) string {
	return "${ATTACH:" + id + "}"
}

// HasToken reports whether content references any attachment.
func HasToken(data []byte) bool {
	return tokenRx.Match(data)
}

// TokenIDs lists the attachment ids referenced by content, in order.
func TokenIDs(data []byte) []string {
	var ids []string
	for _, match := range tokenRx.FindAllSubmatch(data, -1) {
		ids = append(ids, string(match[1]))
	}
	return ids
}

// Reattach replaces every token in data with the referenced attachment
// bytes. A token without a matching row violates the store invariant and
// fails the call.
func Reattach(ctx context.Context, store Store, channelID string, messageID int64, data []byte) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	matches := tokenRx.FindAllSubmatchIndex(data, -1)
	if len(matches) == 0 {
		return data, nil
	}

	var out bytes.Buffer
	last := 0
	for _, match := range matches {
		id := string(data[match[2]:match[3]])
		att, err := store.Attachment(ctx, channelID, messageID, id)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if att == nil {
			return nil, Error.New("content references missing attachment %s", id)
		}
		out.Write(data[last:match[0]])
		out.Write(att.Data)
		last = match[1]
	}
	out.Write(data[last:])
	return out.Bytes(), nil
}
