// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the engine's metric implementation: turn counters and
// latency plus one counter per contract transition. All instruments
// carry the "concierge_" prefix.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// TurnsStarted counts admitted turns.
	TurnsStarted metric.Int64Counter

	// TurnsCompleted counts finished turns by intent kind.
	TurnsCompleted metric.Int64Counter

	// TurnsRejected counts turns refused before dispatch, by reason.
	TurnsRejected metric.Int64Counter

	// TurnDuration records end-to-end turn latency in seconds, by kind.
	TurnDuration metric.Float64Histogram

	// Transitions counts contract state transitions by contract, edge,
	// and trigger.
	Transitions metric.Int64Counter
}

// NewMetrics registers every instrument with the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TurnsStarted, err = meter.Int64Counter("concierge_turns_started_total",
		metric.WithDescription("Turns admitted past the concurrency cap")); err != nil {
		return nil, fmt.Errorf("create turns_started counter: %w", err)
	}
	if m.TurnsCompleted, err = meter.Int64Counter("concierge_turns_completed_total",
		metric.WithDescription("Turns that produced a reply, by intent kind")); err != nil {
		return nil, fmt.Errorf("create turns_completed counter: %w", err)
	}
	if m.TurnsRejected, err = meter.Int64Counter("concierge_turns_rejected_total",
		metric.WithDescription("Turns refused before dispatch, by reason")); err != nil {
		return nil, fmt.Errorf("create turns_rejected counter: %w", err)
	}
	if m.TurnDuration, err = meter.Float64Histogram("concierge_turn_duration_seconds",
		metric.WithDescription("End-to-end turn latency in seconds")); err != nil {
		return nil, fmt.Errorf("create turn_duration histogram: %w", err)
	}
	if m.Transitions, err = meter.Int64Counter("concierge_contract_transitions_total",
		metric.WithDescription("Contract state transitions by contract, edge, and trigger")); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	return m, nil
}

// TurnStarted implements the engine's metric seam.
func (m *Metrics) TurnStarted() {
	m.TurnsStarted.Add(context.Background(), 1)
}

// TurnCompleted implements the engine's metric seam.
func (m *Metrics) TurnCompleted(kind string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.TurnsCompleted.Add(context.Background(), 1, attrs)
	m.TurnDuration.Record(context.Background(), d.Seconds(), attrs)
}

// TurnRejected implements the engine's metric seam.
func (m *Metrics) TurnRejected(reason string) {
	m.TurnsRejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// StateTransition implements the engine's metric seam.
func (m *Metrics) StateTransition(contractID, from, to, trigger string) {
	m.Transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("contract", contractID),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("trigger", trigger),
	))
}
