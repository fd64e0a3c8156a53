// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package research runs the evidence acquisition loop: retrieve, judge,
// expand, repeat, under a bounded round budget.
package research

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the loop's tunable knobs.
type Config struct {
	// MaxRounds is the per-phase round budget. The loop runs at most
	// MaxRounds heuristic rounds plus MaxRounds adjudicated rounds.
	MaxRounds int

	// Size is the per-query retrieval depth and the prompt context cap.
	Size int

	// AlwaysConfirm forces the adjudicated phase to run even when the
	// heuristic already judged the pool sufficient. When false a
	// sufficient heuristic verdict completes the loop directly.
	AlwaysConfirm bool

	// DetectStagnation terminates a phase early when query expansion
	// returns the same intent and hints it was asked to improve on.
	DetectStagnation bool

	// Parallelism bounds how many sub-goals a batch run works on at once.
	Parallelism int

	// SubGoalTimeout bounds a single sub-goal's full loop.
	SubGoalTimeout time.Duration
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxRounds:        3,
		Size:             10,
		AlwaysConfirm:    true,
		DetectStagnation: true,
		Parallelism:      1,
		SubGoalTimeout:   5 * time.Minute,
	}
}

// ConfigFromEnv layers environment overrides over the defaults:
// RESEARCH_MAX_ROUNDS, RESEARCH_SIZE, RESEARCH_ALWAYS_CONFIRM,
// RESEARCH_DETECT_STAGNATION, RESEARCH_PARALLELISM,
// RESEARCH_SUBGOAL_TIMEOUT_SECONDS.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxRounds = getEnvInt("RESEARCH_MAX_ROUNDS", cfg.MaxRounds)
	cfg.Size = getEnvInt("RESEARCH_SIZE", cfg.Size)
	cfg.AlwaysConfirm = getEnvBool("RESEARCH_ALWAYS_CONFIRM", cfg.AlwaysConfirm)
	cfg.DetectStagnation = getEnvBool("RESEARCH_DETECT_STAGNATION", cfg.DetectStagnation)
	cfg.Parallelism = getEnvInt("RESEARCH_PARALLELISM", cfg.Parallelism)
	if secs := getEnvInt("RESEARCH_SUBGOAL_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.SubGoalTimeout = time.Duration(secs) * time.Second
	}
	return cfg.validated()
}

// validated corrects out-of-range values, logging a warning for each.
func (c Config) validated() Config {
	defaults := DefaultConfig()
	if c.MaxRounds < 1 {
		slog.Warn("Invalid MaxRounds config, using default",
			"provided", c.MaxRounds, "default", defaults.MaxRounds)
		c.MaxRounds = defaults.MaxRounds
	}
	if c.Size < 1 {
		slog.Warn("Invalid Size config, using default",
			"provided", c.Size, "default", defaults.Size)
		c.Size = defaults.Size
	}
	if c.Parallelism < 1 {
		slog.Warn("Invalid Parallelism config, using default",
			"provided", c.Parallelism, "default", defaults.Parallelism)
		c.Parallelism = defaults.Parallelism
	}
	if c.SubGoalTimeout <= 0 {
		c.SubGoalTimeout = defaults.SubGoalTimeout
	}
	return c
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer environment variable, using fallback",
			"key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Invalid boolean environment variable, using fallback",
			"key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
