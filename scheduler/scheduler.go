// Package scheduler drives the pipeline: a cron tick scrapes due
// providers and, on its own interval, runs the stop detector. Both
// halves can be toggled at runtime through the state store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/detector"
	"github.com/fleetwatch/fleetwatch/scraper"
)

// State-store keys. Toggles survive restarts when the store is Redis.
const (
	keyScrapeEnabled    = "scheduler:scrape_enabled"
	keyDetectionEnabled = "scheduler:detection_enabled"
	keyDetectionLastRun = "scheduler:detection_last_run"
)

// Scheduler owns the cron loop.
type Scheduler struct {
	coordinator *scraper.Coordinator
	detector    *detector.Detector
	state       core.Memory
	cfg         core.Config
	logger      core.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu          sync.Mutex
	lastIdleLog time.Time
}

// New assembles the scheduler. Call Start to begin ticking.
func New(coordinator *scraper.Coordinator, det *detector.Detector, state core.Memory, cfg core.Config, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Scheduler{
		coordinator: coordinator,
		detector:    det,
		state:       state,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start registers the cron entry and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started: %w", core.ErrAlreadyRunning)
	}

	s.cron = cron.New()
	id, err := s.cron.AddFunc(s.cfg.Scheduler.CronSchedule, func() { s.tick(ctx) })
	if err != nil {
		s.cron = nil
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.Scheduler.CronSchedule, core.ErrInvalidConfiguration)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("Scheduler started", map[string]interface{}{
		"operation": "scheduler_start",
		"schedule":  s.cfg.Scheduler.CronSchedule,
	})
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Scheduler stopped", map[string]interface{}{
		"operation": "scheduler_stop",
	})
	return nil
}

// tick is one cron fire: scrape due providers, then run detection if
// its interval has elapsed.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.ScrapeEnabled(ctx) {
		s.logIdle()
		return
	}

	if _, err := s.coordinator.RunDue(ctx); err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			s.logger.Debug("Previous cycle still running, tick skipped", map[string]interface{}{
				"operation": "scheduler_tick",
			})
		} else {
			s.logger.Error("Scrape cycle failed", map[string]interface{}{
				"operation": "scheduler_tick",
				"error":     err.Error(),
			})
		}
	}

	s.maybeRunDetection(ctx)
}

// logIdle records the disabled state without flooding the log; one
// line per idle interval.
func (s *Scheduler) logIdle() {
	interval := s.cfg.Scheduler.IdleLogInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	s.mu.Lock()
	due := time.Since(s.lastIdleLog) >= interval
	if due {
		s.lastIdleLog = time.Now()
	}
	s.mu.Unlock()

	if due {
		s.logger.Info("Scheduler idle, scraping disabled", map[string]interface{}{
			"operation": "scheduler_tick",
		})
	}
}

func (s *Scheduler) maybeRunDetection(ctx context.Context) {
	if !s.DetectionEnabled(ctx) {
		return
	}

	interval := s.cfg.Detection.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if last, ok := s.detectionLastRun(ctx); ok && time.Since(last) < interval {
		return
	}

	// The watermark advances whether or not the pass succeeds, so a
	// persistently failing detector does not retry on every tick.
	s.setDetectionLastRun(ctx, time.Now())

	if _, err := s.detector.Run(ctx); err != nil {
		if !errors.Is(err, core.ErrAlreadyRunning) {
			s.logger.Error("Detection pass failed", map[string]interface{}{
				"operation": "scheduler_tick",
				"error":     err.Error(),
			})
		}
	}
}

func (s *Scheduler) detectionLastRun(ctx context.Context) (time.Time, bool) {
	raw, err := s.state.Get(ctx, keyDetectionLastRun)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) setDetectionLastRun(ctx context.Context, at time.Time) {
	if err := s.state.Set(ctx, keyDetectionLastRun, at.Format(time.RFC3339), 0); err != nil {
		s.logger.Warn("Failed to persist detection watermark", map[string]interface{}{
			"operation": "scheduler_tick",
			"error":     err.Error(),
		})
	}
}

// ScrapeEnabled reads the runtime toggle, falling back to the static
// configuration when unset.
func (s *Scheduler) ScrapeEnabled(ctx context.Context) bool {
	return s.toggle(ctx, keyScrapeEnabled, s.cfg.Scheduler.Enabled)
}

// DetectionEnabled reads the runtime toggle for the detection loop.
func (s *Scheduler) DetectionEnabled(ctx context.Context) bool {
	return s.toggle(ctx, keyDetectionEnabled, s.cfg.Detection.Enabled)
}

// SetScrapeEnabled flips the scrape loop at runtime.
func (s *Scheduler) SetScrapeEnabled(ctx context.Context, enabled bool) error {
	return s.state.Set(ctx, keyScrapeEnabled, fmt.Sprintf("%t", enabled), 0)
}

// SetDetectionEnabled flips the detection loop at runtime.
func (s *Scheduler) SetDetectionEnabled(ctx context.Context, enabled bool) error {
	return s.state.Set(ctx, keyDetectionEnabled, fmt.Sprintf("%t", enabled), 0)
}

func (s *Scheduler) toggle(ctx context.Context, key string, fallback bool) bool {
	raw, err := s.state.Get(ctx, key)
	if err != nil || raw == "" {
		return fallback
	}
	return raw == "true"
}
