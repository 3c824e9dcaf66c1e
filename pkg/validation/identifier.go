// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied identifiers before they
// reach storage backends.
//
// # Description
//
// Session and user identifiers appear in Redis keys, badger keys,
// Weaviate filters and audit object names. The rules here reject
// anything that could smuggle a delimiter or path element into those
// namespaces: control characters, whitespace, slashes, and unbounded
// length. The accepted alphabet is ASCII letters, digits, and the
// separators '-', '_', '.', ':' and '@'.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package validation

import (
	"fmt"
	"strings"
)

// MaxIdentifierLength bounds session and user identifiers. UUIDs are 36
// characters; the headroom covers prefixed schemes like "tenant:uuid".
const MaxIdentifierLength = 128

// SessionID validates a session identifier.
func SessionID(id string) error {
	return identifier("session id", id)
}

// UserID validates a user identifier.
func UserID(id string) error {
	return identifier("user id", id)
}

func identifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", kind, MaxIdentifierLength)
	}
	if i := strings.IndexFunc(id, func(r rune) bool { return !allowed(r) }); i >= 0 {
		return fmt.Errorf("%s contains invalid character at position %d", kind, i)
	}
	return nil
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '-', '_', '.', ':', '@':
		return true
	}
	return false
}
