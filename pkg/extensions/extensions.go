// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the seams a hosted deployment can fill in
// without modifying the core assistant: authentication, request
// auditing, and message filtering.
//
// # Description
//
// The open-source build ships no-op implementations: every request is
// the anonymous local user, audit events go nowhere, and no message is
// filtered. A hosted build swaps real providers in through
// ServiceOptions; the assistant only ever sees the interfaces.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions bundles the pluggable providers for one service
// instance. DefaultOptions returns the all-no-op set; the With*
// builders replace individual providers.
type ServiceOptions struct {
	Auth   AuthProvider
	Audit  AuditLogger
	Filter MessageFilter
}

// DefaultOptions returns the open-source provider set.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		Auth:   &NopAuthProvider{},
		Audit:  &NopAuditLogger{},
		Filter: &NopMessageFilter{},
	}
}

// WithAuth replaces the authentication provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.Auth = provider
	return opts
}

// WithAudit replaces the audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.Audit = logger
	return opts
}

// WithFilter replaces the message filter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.Filter = filter
	return opts
}
