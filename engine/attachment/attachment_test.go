// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package attachment_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/attachment"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

type memStore struct {
	rows map[string]msgstore.Attachment
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]msgstore.Attachment{}}
}

func (store *memStore) StoreAttachment(ctx context.Context, att msgstore.Attachment) error {
	store.rows[att.AttachmentID] = att
	return nil
}

func (store *memStore) Attachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*msgstore.Attachment, error) {
	att, ok := store.rows[attachmentID]
	if !ok {
		return nil, nil
	}
	return &att, nil
}

func TestPassthrough(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	handler, err := attachment.NewHandler(attachment.Config{}, nil)
	require.NoError(t, err)

	raw := []byte("MSH|^~\\&|...")
	out, err := handler.Extract(ctx, "adt-feed", 1, raw)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestRegexExtractor_WholeMatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMemStore()
	handler, err := attachment.NewHandler(attachment.Config{
		Type:     attachment.TypeRegex,
		Pattern:  `JVBER[A-Za-z0-9+/=]+`,
		MIMEType: "application/pdf",
	}, store)
	require.NoError(t, err)

	raw := []byte("OBX|1|ED|PDF^Report||JVBERi0xLjQKJcfs|CR|")
	out, err := handler.Extract(ctx, "lab-results", 7, raw)
	require.NoError(t, err)

	ids := attachment.TokenIDs(out)
	require.Len(t, ids, 1)
	require.Equal(t, fmt.Sprintf("OBX|1|ED|PDF^Report||%s|CR|", attachment.Token(ids[0])), string(out))

	stored := store.rows[ids[0]]
	require.Equal(t, "lab-results", stored.ChannelID)
	require.Equal(t, int64(7), stored.MessageID)
	require.Equal(t, "application/pdf", stored.Type)
	require.Equal(t, []byte("JVBERi0xLjQKJcfs"), stored.Data)
}

func TestRegexExtractor_CaptureGroup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMemStore()
	handler, err := attachment.NewHandler(attachment.Config{
		Type:    attachment.TypeRegex,
		Pattern: `\|ED\|([A-Za-z0-9+/=]+)\|`,
	}, store)
	require.NoError(t, err)

	raw := []byte("OBX|1|ED|QkFTRTY0|rest")
	out, err := handler.Extract(ctx, "lab-results", 3, raw)
	require.NoError(t, err)

	ids := attachment.TokenIDs(out)
	require.Len(t, ids, 1)
	// Only the capture group is replaced; the delimiters stay inline.
	require.Equal(t, "OBX|1|ED|"+attachment.Token(ids[0])+"|rest", string(out))
	require.Equal(t, []byte("QkFTRTY0"), store.rows[ids[0]].Data)
}

func TestReattach(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMemStore()
	handler, err := attachment.NewHandler(attachment.Config{
		Type:    attachment.TypeRegex,
		Pattern: `payload-[a-z]+`,
	}, store)
	require.NoError(t, err)

	raw := []byte("before payload-alpha middle payload-beta after")
	tokenized, err := handler.Extract(ctx, "adt-feed", 11, raw)
	require.NoError(t, err)
	require.True(t, attachment.HasToken(tokenized))
	require.Len(t, attachment.TokenIDs(tokenized), 2)

	restored, err := attachment.Reattach(ctx, store, "adt-feed", 11, tokenized)
	require.NoError(t, err)
	require.Equal(t, raw, restored)
}

func TestReattach_MissingRow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	data := []byte("x " + attachment.Token("does-not-exist") + " y")
	_, err := attachment.Reattach(ctx, newMemStore(), "adt-feed", 1, data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing attachment")
}

func TestNewHandler_Errors(t *testing.T) {
	_, err := attachment.NewHandler(attachment.Config{Type: "javascript"}, nil)
	require.Error(t, err)

	_, err = attachment.NewHandler(attachment.Config{Type: attachment.TypeRegex}, nil)
	require.Error(t, err)

	_, err = attachment.NewHandler(attachment.Config{Type: attachment.TypeRegex, Pattern: "("}, nil)
	require.Error(t, err)
}
