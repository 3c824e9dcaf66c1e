// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when token validation fails.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to a request after authentication.
// The Metadata field lets hosted identity providers carry extra claims
// without changing this type.
type AuthInfo struct {
	// UserID uniquely identifies the user. Never empty on a validated
	// identity.
	UserID string

	// Email may be empty when the provider does not supply one.
	Email string

	// Roles carries role memberships for authorization decisions.
	Roles []string

	// Metadata holds provider-specific claims.
	Metadata map[string]any
}

// HasRole reports whether the user holds the given role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// # Description
//
// The default NopAuthProvider accepts every token as the "local-user"
// with the admin role, so the assistant works with no identity
// infrastructure. Hosted builds validate against a real identity
// provider and return ErrUnauthorized for bad tokens.
type AuthProvider interface {
	// Validate checks token and returns the identity it proves.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the open-source default: every token belongs to
// the local admin user.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
