// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package msgstore

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Encryptor encrypts content at rest.
type Encryptor interface {
	// Enabled reports whether encryption is active. When false Encrypt and
	// Decrypt pass bytes through unchanged.
	Enabled() bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Service wraps the store with the encryption boundary. The store itself
// accepts and returns bytes verbatim; the service is the only place where
// payloads are encrypted or decrypted, and the Encrypted flag on each row is
// the single source of truth for the state of its bytes.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB
	enc Encryptor
}

// NewService creates a message store service.
func NewService(log *zap.Logger, db DB, enc Encryptor) *Service {
	return &Service{
		log: log,
		db:  db,
		enc: enc,
	}
}

// DB returns the underlying store.
func (service *Service) DB() DB { return service.db }

// StoreContent encrypts the payload when encryption is enabled and stores
// the stage slot.
func (service *Service) StoreContent(ctx context.Context, content Content) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.enc.Enabled() && !content.Encrypted && len(content.Data) > 0 {
		data, err := service.enc.Encrypt(content.Data)
		if err != nil {
			return Error.Wrap(err)
		}
		content.Data = data
		content.Encrypted = true
	}
	return service.db.PutContent(ctx, content)
}

// Content fetches a stage slot and decrypts it when needed. Returns nil when
// the slot is absent.
func (service *Service) Content(ctx context.Context, channelID string, messageID int64, metadataID int, contentType ContentType) (_ *Content, err error) {
	defer mon.Task()(&ctx)(&err)

	content, err := service.db.GetContent(ctx, channelID, messageID, metadataID, contentType)
	if err != nil || content == nil {
		return content, err
	}
	if content.Encrypted {
		data, err := service.enc.Decrypt(content.Data)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		content.Data = data
		content.Encrypted = false
	}
	return content, nil
}

// StoreAttachment encrypts the attachment when encryption is enabled and
// stores it.
func (service *Service) StoreAttachment(ctx context.Context, att Attachment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.enc.Enabled() && !att.Encrypted && len(att.Data) > 0 {
		data, err := service.enc.Encrypt(att.Data)
		if err != nil {
			return Error.Wrap(err)
		}
		att.Data = data
		att.Encrypted = true
	}
	return service.db.PutAttachment(ctx, att)
}

// Attachment fetches an attachment and decrypts it when needed. Returns nil
// when absent.
func (service *Service) Attachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (_ *Attachment, err error) {
	defer mon.Task()(&ctx)(&err)

	att, err := service.db.GetAttachment(ctx, channelID, messageID, attachmentID)
	if err != nil || att == nil {
		return att, err
	}
	if att.Encrypted {
		data, err := service.enc.Decrypt(att.Data)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		att.Data = data
		att.Encrypted = false
	}
	return att, nil
}

// EncryptMessage walks every stored stage slot of a message and encrypts the
// ones still in plaintext. Already-encrypted slots are left alone, so the
// operation is idempotent.
func (service *Service) EncryptMessage(ctx context.Context, channelID string, messageID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	contents, err := service.db.ListContent(ctx, channelID, messageID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, content := range contents {
		if content.Encrypted || len(content.Data) == 0 {
			continue
		}
		data, err := service.enc.Encrypt(content.Data)
		if err != nil {
			return Error.Wrap(err)
		}
		content.Data = data
		content.Encrypted = true
		if err := service.db.PutContent(ctx, content); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// DecryptMessage walks every stored stage slot of a message and decrypts the
// encrypted ones. Plaintext slots are left alone.
func (service *Service) DecryptMessage(ctx context.Context, channelID string, messageID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	contents, err := service.db.ListContent(ctx, channelID, messageID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, content := range contents {
		if !content.Encrypted {
			continue
		}
		data, err := service.enc.Decrypt(content.Data)
		if err != nil {
			return Error.Wrap(err)
		}
		content.Data = data
		content.Encrypted = false
		if err := service.db.PutContent(ctx, content); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
