// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package encryption implements content-at-rest encryption for the message
// store.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/zeebo/errs"
)

// Error is the default encryption errs class.
var Error = errs.Class("encryption")

// Config holds content encryption configuration.
type Config struct {
	Enabled bool   `help:"encrypt message content and attachments at rest" default:"false"`
	Secret  string `help:"secret used to derive the content encryption key" default:""`
}

// Encryptor encrypts payloads with AES-GCM using a key derived from the
// configured secret. When disabled it passes bytes through unchanged.
type Encryptor struct {
	enabled bool
	aead    cipher.AEAD
}

// NewEncryptor creates an encryptor from config. An enabled encryptor
// requires a non-empty secret.
func NewEncryptor(config Config) (*Encryptor, error) {
	if !config.Enabled {
		return &Encryptor{}, nil
	}
	if config.Secret == "" {
		return nil, Error.New("encryption enabled without a secret")
	}

	key := sha256.Sum256([]byte(config.Secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Encryptor{enabled: true, aead: aead}, nil
}

// Enabled reports whether encryption is active.
func (enc *Encryptor) Enabled() bool { return enc.enabled }

// Encrypt seals the plaintext with a fresh nonce. The nonce is prepended to
// the returned ciphertext.
func (enc *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if !enc.enabled {
		return plaintext, nil
	}

	nonce := make([]byte, enc.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return enc.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (enc *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if !enc.enabled {
		return ciphertext, nil
	}

	if len(ciphertext) < enc.aead.NonceSize() {
		return nil, Error.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:enc.aead.NonceSize()], ciphertext[enc.aead.NonceSize():]
	plaintext, err := enc.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return plaintext, nil
}
