// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ttl runs background expiry for stores that do not evict on
// their own. Session history expires natively in Redis; the semantic
// response cache lives in Weaviate and needs a periodic sweep.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Cache Sweeper
// =============================================================================

// ExpiredDeleter deletes entries older than the store's TTL as of the
// given instant and reports how many were removed.
// *cache.SemanticCache satisfies this.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// SweepRecorder receives per-cycle deletion counts, typically backed by
// Prometheus. May be nil.
type SweepRecorder interface {
	RecordSweep(store string, deleted int)
}

// SweeperConfig holds configuration for the background cache sweeper.
type SweeperConfig struct {
	// Interval is how often sweep cycles run. Default: 1 hour.
	Interval time.Duration
}

// DefaultSweeperConfig returns production defaults: hourly sweeps.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 1 * time.Hour}
}

// Sweeper periodically removes expired semantic cache entries.
//
// # Description
//
// Uses the ticker + done channel pattern for graceful shutdown. Lookup
// paths already evict lazily on read; the sweeper bounds the storage
// footprint of entries that are never looked up again.
//
// # Thread Safety
//
// Start, Stop, and RunNow are safe for concurrent use.
//
// # Limitations
//
//   - Only one sweeper should run per orchestrator instance.
//   - A sweep failure is logged and retried on the next tick, never
//     escalated.
type Sweeper struct {
	deleter  ExpiredDeleter
	recorder SweepRecorder
	config   SweeperConfig
	clock    func() time.Time
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a cache sweeper. recorder may be nil.
func NewSweeper(deleter ExpiredDeleter, recorder SweepRecorder, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		deleter:  deleter,
		recorder: recorder,
		config:   config,
		clock:    time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop. Returns an error if the
// sweeper is already running. The loop stops when ctx is cancelled or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // reset for potential restart
	s.mu.Unlock()

	slog.Info("Cache sweeper starting", "interval", s.config.Interval.String())

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	slog.Info("Cache sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow performs one sweep cycle immediately, outside the schedule.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	deleted, err := s.deleter.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, fmt.Errorf("cache sweep failed: %w", err)
	}
	if s.recorder != nil {
		s.recorder.RecordSweep("cache", deleted)
	}
	return deleted, nil
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Initial sweep on start so restarts don't leave a backlog waiting
	// a full interval.
	s.executeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Cache sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Cache sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

func (s *Sweeper) executeSweep(ctx context.Context) {
	deleted, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("Cache sweep cycle failed", "error", err)
		return
	}

	if deleted > 0 {
		slog.Info("Cache sweep cycle completed", "deleted", deleted)
	} else {
		slog.Debug("Cache sweep cycle completed (no expired entries)")
	}
}
