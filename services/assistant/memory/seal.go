// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// Sealer encrypts audit payloads with AES-256-GCM.
//
// # Description
//
// The key lives in a memguard enclave and is materialized into locked
// memory only for the duration of each operation, then destroyed. Audit
// artifacts carry unredacted conversation content, so they never leave
// the process in the clear.
//
// # Thread Safety
//
// Safe for concurrent use; each operation opens its own key copy.
type Sealer struct {
	key *memguard.Enclave
}

// NewSealer generates a random 256-bit key. Artifacts sealed with it are
// unreadable after restart; use NewSealerFromKey for durable audit data.
func NewSealer() *Sealer {
	return &Sealer{key: memguard.NewEnclaveRandom(32)}
}

// NewSealerFromKey wraps the provided 32-byte key. memguard wipes the
// input slice during enclave creation.
func NewSealerFromKey(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealer key must be 32 bytes, got %d", len(key))
	}
	return &Sealer{key: memguard.NewEnclave(key)}, nil
}

func (s *Sealer) gcm() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open sealer key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, buf, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, keyBuf, err := s.gcm()
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Tampered blobs fail the GCM
// authentication check.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	aead, keyBuf, err := s.gcm()
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	if len(blob) < aead.NonceSize() {
		return nil, errors.New("sealed blob shorter than nonce")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed blob: %w", err)
	}
	return plaintext, nil
}
