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
	"context"
	"fmt"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSObjectSinkConfig configures the GCS audit backend.
type GCSObjectSinkConfig struct {
	// Bucket receives the audit objects.
	Bucket string

	// Prefix is prepended to every object name. Optional.
	Prefix string

	// CredentialsFile is a service account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// GCSObjectSink uploads audit objects to a GCS bucket. Retention is a
// bucket lifecycle rule, not an application concern, which is why the
// sink exposes no delete.
type GCSObjectSink struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ ObjectSink = (*GCSObjectSink)(nil)

// NewGCSObjectSink builds the storage client.
func NewGCSObjectSink(ctx context.Context, cfg GCSObjectSinkConfig) (*GCSObjectSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSObjectSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put implements ObjectSink.
func (s *GCSObjectSink) Put(ctx context.Context, name string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(path.Join(s.prefix, name))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write audit object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", name, err)
	}
	return nil
}

// Close releases the storage client.
func (s *GCSObjectSink) Close() error {
	return s.client.Close()
}
