// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent routes a user turn: a deterministic volatility pre-pass
// over configurable keyword sets, then model selection from a manifest
// assembled fresh per call, with chat as the fallback for anything the
// model cannot classify confidently.
package intent

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

//go:embed keywords.yaml
var defaultKeywords []byte

// Settings holds the three volatility keyword sets. Terms are lowercase
// and unique across all sets.
type Settings struct {
	Volatile   []string `json:"volatile" yaml:"volatile"`
	SemiStatic []string `json:"semi_static" yaml:"semi_static"`
	Static     []string `json:"static" yaml:"static"`
}

func (s Settings) clone() Settings {
	return Settings{
		Volatile:   append([]string(nil), s.Volatile...),
		SemiStatic: append([]string(nil), s.SemiStatic...),
		Static:     append([]string(nil), s.Static...),
	}
}

// normalizeSettings lowercases, trims, sorts, and dedupes every set, and
// rejects terms that land in more than one set. Cross-set duplicates
// would make the pre-pass order-dependent.
func normalizeSettings(in Settings) (Settings, error) {
	seen := make(map[string]string)
	normalizeSet := func(name string, terms []string) ([]string, error) {
		out := make([]string, 0, len(terms))
		local := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			if _, dup := local[term]; dup {
				continue
			}
			if owner, taken := seen[term]; taken {
				return nil, fmt.Errorf("term %q appears in both %s and %s", term, owner, name)
			}
			local[term] = struct{}{}
			seen[term] = name
			out = append(out, term)
		}
		sort.Strings(out)
		return out, nil
	}

	var (
		next Settings
		err  error
	)
	if next.Volatile, err = normalizeSet("volatile", in.Volatile); err != nil {
		return Settings{}, err
	}
	if next.SemiStatic, err = normalizeSet("semi_static", in.SemiStatic); err != nil {
		return Settings{}, err
	}
	if next.Static, err = normalizeSet("static", in.Static); err != nil {
		return Settings{}, err
	}
	return next, nil
}

// SettingsStore hands out immutable snapshots of the volatility keyword
// sets and accepts whole-set replacements at runtime.
//
// # Thread Safety
//
// Snapshot and Set may be called concurrently. A snapshot never changes
// after it is returned; Set installs a fresh value for later snapshots.
type SettingsStore struct {
	current atomic.Pointer[Settings]
	log     *slog.Logger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSettingsStore seeds the store from the embedded defaults.
func NewSettingsStore() (*SettingsStore, error) {
	var defaults Settings
	if err := yaml.Unmarshal(defaultKeywords, &defaults); err != nil {
		return nil, fmt.Errorf("parsing embedded keyword defaults: %w", err)
	}
	normalized, err := normalizeSettings(defaults)
	if err != nil {
		return nil, fmt.Errorf("embedded keyword defaults: %w", err)
	}

	s := &SettingsStore{log: slog.Default().With("component", "volatility_settings")}
	s.current.Store(&normalized)
	return s, nil
}

// Snapshot returns the active keyword sets. The returned value is the
// caller's to keep; later Set calls do not reach it.
func (s *SettingsStore) Snapshot() Settings {
	return s.current.Load().clone()
}

// Set validates and installs replacement keyword sets, returning the
// normalized form that took effect.
func (s *SettingsStore) Set(next Settings) (Settings, error) {
	normalized, err := normalizeSettings(next)
	if err != nil {
		return Settings{}, datatypes.NewFault(datatypes.FaultValidation, "settings.volatility", err)
	}
	s.current.Store(&normalized)
	s.log.Info("volatility keyword sets replaced",
		"volatile", len(normalized.Volatile),
		"semi_static", len(normalized.SemiStatic),
		"static", len(normalized.Static))
	return normalized.clone(), nil
}

// Watch reloads the keyword sets whenever the YAML file at path changes.
// The directory is watched rather than the file because editors and
// configmap mounts replace files by rename, which drops a file-level
// watch. A malformed or conflicting file is logged and skipped; the last
// good sets stay active.
func (s *SettingsStore) Watch(path string) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("settings watch already active")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving settings path %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching settings directory: %w", err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	// Pick up the file as it exists now; absence is fine, the defaults
	// hold until it appears.
	if _, err := os.Stat(abs); err == nil {
		s.loadFile(abs)
	}

	go s.watchLoop(abs)
	return nil
}

// Close stops the file watch, if one is active.
func (s *SettingsStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

func (s *SettingsStore) watchLoop(path string) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.loadFile(path)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings watcher error", "error", err)
		}
	}
}

func (s *SettingsStore) loadFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("reading settings file", "path", path, "error", err)
		return
	}
	var next Settings
	if err := yaml.Unmarshal(raw, &next); err != nil {
		s.log.Warn("settings file is not valid YAML, keeping previous sets",
			"path", path, "error", err)
		return
	}
	if _, err := s.Set(next); err != nil {
		s.log.Warn("settings file rejected, keeping previous sets",
			"path", path, "error", err)
		return
	}
	s.log.Info("volatility keyword sets reloaded from file", "path", path)
}
