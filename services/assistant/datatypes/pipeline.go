// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Pipeline execution statuses.
const (
	PipelineStatusOK        = "ok"
	PipelineStatusDegraded  = "degraded"
	PipelineStatusFailed    = "failed"
	PipelineStatusCancelled = "cancelled"
)

// StageTiming records one stage of a pipeline run.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
	CacheHit   bool   `json:"cache_hit,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// PipelineExecution is one pipeline run, appended to the session's
// execution log and mirrored to the timing sink. StartedAt is Unix
// milliseconds UTC.
type PipelineExecution struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	StartedAt  int64         `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
	Status     string        `json:"status"`
	CacheHit   bool          `json:"cache_hit,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"`
	Stages     []StageTiming `json:"stages,omitempty"`
}
