// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the stage runtime the concrete pipelines run on.
//
// # Description
//
// A pipeline here is a plain Go function that calls Execute once per
// stage in a fixed order; the call order is the edge list, declared at
// construction and never changed at runtime. The runtime contributes
// what every stage needs and no stage should hand-roll: output caching,
// fallback demotion, per-stage timing, cancellation checks, and the
// PipelineExecution record the session keeps.
//
// Stages are typed end to end. A stage declares its input and output
// records as structs; Execute is generic over both, so a pipeline that
// wires a stage to the wrong record shape fails to compile instead of
// failing at runtime.
//
// # Thread Safety
//
// Runtime and Cache are safe for concurrent use. A Run belongs to one
// pipeline invocation on one goroutine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

var tracer = otel.Tracer("concierge.pipeline")

// Stage is one unit of pipeline work.
type Stage[I, O any] interface {
	// Name identifies the stage in timings, cache keys, and spans.
	Name() string

	// Run does the work. Implementations should honor ctx.
	Run(ctx context.Context, in I) (O, error)
}

// CacheKeyer marks a stage whose output may be reused. An empty key
// disables caching for that call.
type CacheKeyer[I any] interface {
	CacheKey(in I) string
	CacheTTL() time.Duration
}

// Fallbacker marks a stage with a degraded path. Fallback runs when the
// primary fails or the deadline has already expired; its output is
// tagged degraded.
type Fallbacker[I, O any] interface {
	Fallback(ctx context.Context, in I, cause error) (O, error)
}

// StageError names the stage that failed a pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %q: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// TimingSink receives completed execution records. The observability
// package provides an InfluxDB sink; the default discards.
type TimingSink interface {
	RecordExecution(exec datatypes.PipelineExecution)
}

type nopSink struct{}

func (nopSink) RecordExecution(datatypes.PipelineExecution) {}

// Runtime carries the process-wide pieces shared by every pipeline run.
type Runtime struct {
	cache *Cache
	sink  TimingSink
	log   *slog.Logger
}

// NewRuntime wires a Runtime. A nil cache disables caching; a nil sink
// discards timings.
func NewRuntime(cache *Cache, sink TimingSink) *Runtime {
	if sink == nil {
		sink = nopSink{}
	}
	return &Runtime{
		cache: cache,
		sink:  sink,
		log:   slog.Default().With("component", "pipeline"),
	}
}

// Run accumulates the state of one pipeline invocation.
type Run struct {
	rt       *Runtime
	pipeline string
	id       string
	started  time.Time
	span     trace.Span
	stages   []datatypes.StageTiming
	cacheHit bool
	degraded bool
}

// Begin opens a run. The returned context carries the pipeline span;
// pass it to every Execute call and to Finish.
func (rt *Runtime) Begin(ctx context.Context, pipeline string) (context.Context, *Run) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	span.SetAttributes(attribute.String("pipeline.name", pipeline))
	return ctx, &Run{
		rt:       rt,
		pipeline: pipeline,
		id:       uuid.NewString(),
		started:  time.Now(),
		span:     span,
	}
}

// Finish closes the run and returns its execution record. cause is the
// error the pipeline is about to return, nil for success; a degraded
// stage with no error yields status degraded.
func (r *Run) Finish(cause error) datatypes.PipelineExecution {
	status := datatypes.PipelineStatusOK
	switch {
	case datatypes.IsCancelled(cause):
		status = datatypes.PipelineStatusCancelled
	case cause != nil:
		status = datatypes.PipelineStatusFailed
	case r.degraded:
		status = datatypes.PipelineStatusDegraded
	}

	exec := datatypes.PipelineExecution{
		ID:         r.id,
		Pipeline:   r.pipeline,
		StartedAt:  r.started.UnixMilli(),
		DurationMs: time.Since(r.started).Milliseconds(),
		Status:     status,
		CacheHit:   r.cacheHit,
		Degraded:   r.degraded,
		Stages:     r.stages,
	}

	r.span.SetAttributes(
		attribute.String("pipeline.status", status),
		attribute.Bool("pipeline.degraded", r.degraded),
	)
	r.span.End()

	r.rt.log.Info("pipeline finished",
		"pipeline", r.pipeline,
		"execution_id", r.id,
		"status", status,
		"duration_ms", exec.DurationMs,
		"stages", len(r.stages))
	r.rt.sink.RecordExecution(exec)
	return exec
}

func (r *Run) observe(stage string, started time.Time, cacheHit, degraded bool) {
	r.stages = append(r.stages, datatypes.StageTiming{
		Stage:      stage,
		DurationMs: time.Since(started).Milliseconds(),
		CacheHit:   cacheHit,
		Degraded:   degraded,
	})
	r.cacheHit = r.cacheHit || cacheHit
	r.degraded = r.degraded || degraded
}

// Execute runs one stage under the run's instrumentation: cache lookup,
// primary, fallback demotion, timing. An expired deadline skips the
// primary and goes straight to the fallback when one is declared;
// without one the cancellation surfaces as a StageError.
func Execute[I, O any](ctx context.Context, r *Run, stage Stage[I, O], in I) (O, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s.%s", r.pipeline, stage.Name()))
	defer span.End()
	started := time.Now()

	var cacheKey string
	if keyer, ok := stage.(CacheKeyer[I]); ok && r.rt.cache != nil {
		if key := keyer.CacheKey(in); key != "" {
			cacheKey = fmt.Sprintf("%s/%s/%s", r.pipeline, stage.Name(), key)
			if cached, hit := r.rt.cache.Get(cacheKey); hit {
				if out, ok := cached.(O); ok {
					span.SetAttributes(attribute.Bool("stage.cache_hit", true))
					r.observe(stage.Name(), started, true, false)
					return out, nil
				}
			}
		}
	}

	var (
		out O
		err error
	)
	if err = ctx.Err(); err == nil {
		out, err = stage.Run(ctx, in)
	}
	if err != nil {
		fb, hasFallback := stage.(Fallbacker[I, O])
		if !hasFallback {
			r.observe(stage.Name(), started, false, false)
			return out, &StageError{Stage: stage.Name(), Err: err}
		}

		// The degraded path must be allowed to finish even when the
		// primary died of the deadline.
		fbOut, fbErr := fb.Fallback(context.WithoutCancel(ctx), in, err)
		if fbErr != nil {
			r.rt.log.Warn("stage fallback failed",
				"pipeline", r.pipeline, "stage", stage.Name(),
				"cause", err, "fallback_error", fbErr)
			r.observe(stage.Name(), started, false, false)
			return out, &StageError{Stage: stage.Name(), Err: err}
		}
		r.rt.log.Info("stage degraded to fallback",
			"pipeline", r.pipeline, "stage", stage.Name(), "cause", err)
		span.SetAttributes(attribute.Bool("stage.degraded", true))
		r.observe(stage.Name(), started, false, true)
		return fbOut, nil
	}

	if cacheKey != "" {
		if keyer, ok := stage.(CacheKeyer[I]); ok {
			r.rt.cache.Put(cacheKey, out, keyer.CacheTTL())
		}
	}
	r.observe(stage.Name(), started, false, false)
	return out, nil
}
