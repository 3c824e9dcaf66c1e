// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsAreAllNops(t *testing.T) {
	opts := DefaultOptions()
	require.NotNil(t, opts.Auth)
	require.NotNil(t, opts.Audit)
	require.NotNil(t, opts.Filter)

	info, err := opts.Auth.Validate(context.Background(), "any-token")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("auditor"))

	res, err := opts.Filter.FilterInput(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "hello", res.Message)

	assert.NoError(t, opts.Audit.Log(context.Background(), AuditEvent{Action: "turn"}))
	assert.NoError(t, opts.Audit.Flush(context.Background()))
}

func TestWithBuildersReplaceProviders(t *testing.T) {
	custom := &NopAuthProvider{}
	opts := DefaultOptions().WithAuth(custom)
	assert.Same(t, custom, opts.Auth)
}
