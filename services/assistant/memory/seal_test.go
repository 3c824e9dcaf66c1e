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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	s := NewSealer()
	plaintext := []byte(`{"session_id":"s1","kind":"chat"}`)

	blob, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, blob)
	assert.Greater(t, len(blob), len(plaintext), "blob carries nonce and tag")

	got, err := s.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealer_SealsAreNotDeterministic(t *testing.T) {
	s := NewSealer()
	plaintext := []byte("same payload")

	a, err := s.Seal(plaintext)
	require.NoError(t, err)
	b, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "fresh nonce per seal")
}

func TestSealer_TamperDetected(t *testing.T) {
	s := NewSealer()
	blob, err := s.Seal([]byte("audit payload"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = s.Open(blob)
	assert.Error(t, err)
}

func TestSealer_RejectsShortBlob(t *testing.T) {
	s := NewSealer()
	_, err := s.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewSealerFromKey_RequiresExactLength(t *testing.T) {
	_, err := NewSealerFromKey(make([]byte, 16))
	assert.Error(t, err)

	s, err := NewSealerFromKey(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	blob, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	got, err := s.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestSealer_KeysDoNotInterchange(t *testing.T) {
	a := NewSealer()
	b := NewSealer()

	blob, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(blob)
	assert.Error(t, err, "a blob sealed by one key must not open under another")
}
