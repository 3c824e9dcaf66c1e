// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bridges the build system and the runtime logic. The Go embed
package bakes pii_patterns.yaml directly into the compiled binary so the
detection rules are immutable at runtime and travel with the executable.
*/

package rules

import (
	_ "embed"
)

// PIIPatterns holds the raw byte content of 'pii_patterns.yaml'.
//
// Populated at compile time via the embed directive. Baking the YAML
// into the binary means the redaction rules cannot be tampered with on
// the host filesystem without recompiling the application.
//
// Usage:
//
//	err := yaml.Unmarshal(rules.PIIPatterns, &targetStruct)
//
//go:embed pii_patterns.yaml
var PIIPatterns []byte
