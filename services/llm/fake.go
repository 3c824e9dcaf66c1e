// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted Client for tests and offline development. Function
// fields override behavior; unset fields return canned values. Prompts
// are recorded so tests can assert on what the caller actually sent.
type Fake struct {
	mu sync.Mutex

	// CompleteFunc, when set, handles Complete calls.
	CompleteFunc func(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ClassifyFunc, when set, handles Classify calls.
	ClassifyFunc func(ctx context.Context, prompt string, schema map[string]any, out any) error

	// Reply is returned by Complete when CompleteFunc is nil.
	Reply string

	prompts []string
}

var _ Client = (*Fake)(nil)

// Complete implements Client.
func (f *Fake) Complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	f.record(prompt)
	if f.CompleteFunc != nil {
		return f.CompleteFunc(ctx, prompt, params)
	}
	return f.Reply, nil
}

// Classify implements Client.
func (f *Fake) Classify(ctx context.Context, prompt string, schema map[string]any, out any) error {
	f.record(prompt)
	if f.ClassifyFunc != nil {
		return f.ClassifyFunc(ctx, prompt, schema, out)
	}
	return fmt.Errorf("fake classify not scripted")
}

// Prompts returns a copy of every prompt seen so far, in call order.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

func (f *Fake) record(prompt string) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
}
