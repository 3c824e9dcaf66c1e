// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"fmt"
	"sync"
	"time"
)

// ClockConfig bounds what the archiver accepts as a sane system time. A
// clock set to the future archives sessions prematurely; one set to the
// past stops retention entirely, which is the compliance failure mode.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig accepts times between 2025 and 2036 and jumps up to
// an hour backward or two hours forward between checks.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxBackwardJump: time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

// ClockChecker gates time-sensitive deletion on a plausible system
// clock. Safe for concurrent use.
type ClockChecker struct {
	cfg ClockConfig
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewClockChecker(cfg ClockConfig) *ClockChecker {
	return &ClockChecker{cfg: cfg, now: time.Now}
}

// Check returns an error when the current time falls outside the valid
// window or jumped further than allowed since the previous check. The
// first check only validates the window.
func (c *ClockChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Before(c.cfg.MinValidTime) || now.After(c.cfg.MaxValidTime) {
		return fmt.Errorf("system time %s outside valid window [%s, %s]",
			now.Format(time.RFC3339),
			c.cfg.MinValidTime.Format(time.RFC3339),
			c.cfg.MaxValidTime.Format(time.RFC3339))
	}

	// The observed delta includes the scheduler interval, so the
	// configured jump bounds must exceed it.
	if !c.last.IsZero() {
		switch delta := now.Sub(c.last); {
		case delta < -c.cfg.MaxBackwardJump:
			return fmt.Errorf("clock jumped backward by %s since last check", -delta)
		case delta > c.cfg.MaxForwardJump:
			return fmt.Errorf("clock jumped forward by %s since last check", delta)
		}
	}
	c.last = now
	return nil
}

// Reset clears the jump-detection baseline. Call after a known
// legitimate time change such as resume from sleep.
func (c *ClockChecker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Time{}
}
