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
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// InfluxConfig locates the timing bucket. Env defaults match the local
// compose stack.
type InfluxConfig struct {
	URL    string `json:"url" yaml:"url"`
	Token  string `json:"token" yaml:"token"`
	Org    string `json:"org" yaml:"org"`
	Bucket string `json:"bucket" yaml:"bucket"`
}

// DefaultInfluxConfig reads the INFLUXDB_* environment variables.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:    getEnvOr("INFLUXDB_URL", "http://localhost:8086"),
		Token:  getEnvOr("INFLUXDB_TOKEN", ""),
		Org:    getEnvOr("INFLUXDB_ORG", "concierge"),
		Bucket: getEnvOr("INFLUXDB_BUCKET", "pipeline_timings"),
	}
}

// InfluxSink ships pipeline execution records to InfluxDB. Writes go
// through the non-blocking API, so a slow or absent InfluxDB never
// stalls a pipeline run.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewInfluxSink connects the sink. Close must be called on shutdown to
// flush buffered points.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// RecordExecution implements the pipeline timing seam.
func (s *InfluxSink) RecordExecution(exec datatypes.PipelineExecution) {
	tags, fields, ts := executionPoint(exec)
	s.write.WritePoint(influxdb2.NewPoint("pipeline_execution", tags, fields, ts))
}

// Close flushes buffered points and releases the client.
func (s *InfluxSink) Close() {
	s.write.Flush()
	s.client.Close()
}

// executionPoint flattens a record into line-protocol tags and fields.
// Stage timings become one field per stage.
func executionPoint(exec datatypes.PipelineExecution) (map[string]string, map[string]any, time.Time) {
	tags := map[string]string{
		"pipeline":  exec.Pipeline,
		"status":    exec.Status,
		"cache_hit": strconv.FormatBool(exec.CacheHit),
		"degraded":  strconv.FormatBool(exec.Degraded),
	}
	fields := map[string]any{
		"duration_ms": exec.DurationMs,
		"stages":      len(exec.Stages),
	}
	for _, st := range exec.Stages {
		fields["stage_"+st.Stage+"_ms"] = st.DurationMs
	}
	return tags, fields, time.UnixMilli(exec.StartedAt)
}
