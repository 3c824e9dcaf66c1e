// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// Upgrader rewrites a serialized context from one schema version to the
// next. Upgraders are keyed by the version they accept and must bump
// schema_version themselves.
type Upgrader func(m map[string]any) (map[string]any, error)

// defaultUpgraders covers the versions this build can still read. Version
// 1 blobs predate the persisted-results redesign and are not upgradable.
func defaultUpgraders() map[int]Upgrader {
	return map[int]Upgrader{
		2: upgradeV2,
	}
}

// upgradeV2 lifts a version 2 blob to version 3 by adding the
// pipeline_executions log, which version 2 did not record.
func upgradeV2(m map[string]any) (map[string]any, error) {
	if _, ok := m["pipeline_executions"]; !ok {
		m["pipeline_executions"] = []any{}
	}
	m["schema_version"] = datatypes.CurrentSchemaVersion
	return m, nil
}

// upgrade walks the chain until the map reaches the current version.
func upgrade(m map[string]any, upgraders map[int]Upgrader) (map[string]any, error) {
	version := schemaVersionOf(m)
	for version != datatypes.CurrentSchemaVersion {
		if version > datatypes.CurrentSchemaVersion {
			return nil, fmt.Errorf("schema version %d is newer than this build supports (%d)",
				version, datatypes.CurrentSchemaVersion)
		}
		up, ok := upgraders[version]
		if !ok {
			return nil, fmt.Errorf("no upgrader for schema version %d", version)
		}
		next, err := up(m)
		if err != nil {
			return nil, fmt.Errorf("upgrading schema version %d: %w", version, err)
		}
		nextVersion := schemaVersionOf(next)
		if nextVersion <= version {
			return nil, fmt.Errorf("upgrader for version %d did not advance the schema", version)
		}
		m, version = next, nextVersion
	}
	return m, nil
}

// schemaVersionOf tolerates both float64 (JSON round-trip) and int forms.
func schemaVersionOf(m map[string]any) int {
	switch v := m["schema_version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
