// Package scraper coordinates provider scrape cycles: fetch, trip
// resolution, dedup, persistence and the per-cycle audit trail.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/fetch"
	"github.com/fleetwatch/fleetwatch/geo"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/storage"
)

const (
	// Fixes closer than this to a recent stored fix are duplicates.
	dedupEpsilon = 1e-5
	dedupWindow  = 5 * time.Minute

	// State-store key holding the last cycle summary.
	lastCycleKey = "scraper:last_cycle"
)

// CycleSummary is the outcome of one scrape cycle.
type CycleSummary struct {
	CycleID     string    `json:"cycle_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Providers   int       `json:"providers"`
	CoordsFound int       `json:"coords_found"`
	CoordsNew   int       `json:"coords_new"`
	Errors      []string  `json:"errors,omitempty"`
}

// Coordinator runs scrape cycles. At most one cycle runs at a time;
// concurrent triggers get core.ErrAlreadyRunning.
type Coordinator struct {
	repo      *storage.Repository
	fetcher   *fetch.Client
	state     core.Memory
	cfg       core.FetchConfig
	logger    core.Logger
	telemetry core.Telemetry

	running int32
}

// NewCoordinator assembles the scrape coordinator.
func NewCoordinator(repo *storage.Repository, fetcher *fetch.Client, state core.Memory, cfg core.FetchConfig, logger core.Logger, telemetry core.Telemetry) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Coordinator{
		repo:      repo,
		fetcher:   fetcher,
		state:     state,
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
	}
}

// Running reports whether a cycle is currently in flight.
func (c *Coordinator) Running() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// LastCycle returns the persisted summary of the most recent cycle,
// nil when none has run yet.
func (c *Coordinator) LastCycle(ctx context.Context) *CycleSummary {
	if c.state == nil {
		return nil
	}
	raw, err := c.state.Get(ctx, lastCycleKey)
	if err != nil || raw == "" {
		return nil
	}
	var summary CycleSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil
	}
	return &summary
}

// RunDue scrapes only providers whose interval has elapsed.
func (c *Coordinator) RunDue(ctx context.Context) (*CycleSummary, error) {
	return c.run(ctx, true)
}

// RunAll scrapes every active provider regardless of interval. Used by
// the manual trigger on the control surface.
func (c *Coordinator) RunAll(ctx context.Context) (*CycleSummary, error) {
	return c.run(ctx, false)
}

// RunProvider scrapes one provider by id, ignoring its interval.
func (c *Coordinator) RunProvider(ctx context.Context, providerID int64) (*CycleSummary, error) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return nil, core.ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&c.running, 0)

	providers, err := c.repo.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		if providers[i].ID == providerID {
			return c.runProviders(ctx, providers[i:i+1]), nil
		}
	}
	return nil, fmt.Errorf("provider %d: %w", providerID, core.ErrNotFound)
}

func (c *Coordinator) run(ctx context.Context, onlyDue bool) (*CycleSummary, error) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return nil, core.ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&c.running, 0)

	providers, err := c.repo.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}

	if onlyDue {
		now := time.Now()
		due := providers[:0]
		for i := range providers {
			if providers[i].Due(now) {
				due = append(due, providers[i])
			}
		}
		providers = due
	}

	return c.runProviders(ctx, providers), nil
}

func (c *Coordinator) runProviders(ctx context.Context, providers []model.Provider) *CycleSummary {
	ctx, span := c.telemetry.StartSpan(ctx, "scraper.cycle")
	defer span.End()

	summary := &CycleSummary{
		CycleID:   uuid.New().String(),
		StartedAt: time.Now(),
		Providers: len(providers),
	}
	span.SetAttribute("cycle.id", summary.CycleID)
	span.SetAttribute("cycle.providers", len(providers))

	c.logger.Info("Scrape cycle started", map[string]interface{}{
		"operation": "scrape_cycle",
		"cycle_id":  summary.CycleID,
		"providers": len(providers),
	})

	for i := range providers {
		found, inserted, err := c.scrapeProvider(ctx, summary.CycleID, &providers[i])
		summary.CoordsFound += found
		summary.CoordsNew += inserted
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", providers[i].Name, err))
		}
	}

	summary.DurationMS = time.Since(summary.StartedAt).Milliseconds()
	c.persistSummary(ctx, summary)

	c.logger.Info("Scrape cycle finished", map[string]interface{}{
		"operation":    "scrape_cycle",
		"cycle_id":     summary.CycleID,
		"coords_found": summary.CoordsFound,
		"coords_new":   summary.CoordsNew,
		"errors":       len(summary.Errors),
		"duration_ms":  summary.DurationMS,
	})
	return summary
}

func (c *Coordinator) persistSummary(ctx context.Context, summary *CycleSummary) {
	if c.state == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.state.Set(ctx, lastCycleKey, string(data), 24*time.Hour); err != nil {
		c.logger.Warn("Failed to persist cycle summary", map[string]interface{}{
			"operation": "scrape_cycle",
			"error":     err.Error(),
		})
	}
}

// scrapeProvider handles one provider end to end. Storage failures on
// the audit records never abort the scrape itself.
func (c *Coordinator) scrapeProvider(ctx context.Context, cycleID string, provider *model.Provider) (found, inserted int, err error) {
	now := time.Now()

	logID, logErr := c.repo.StartScrapeLog(ctx, model.ScrapeLog{
		ProviderID: provider.ID,
		CycleID:    cycleID,
		StartedAt:  now,
	})
	if logErr != nil {
		c.logger.Warn("Failed to open scrape log", map[string]interface{}{
			"operation": "scrape_provider",
			"provider":  provider.Name,
			"error":     logErr.Error(),
		})
	}

	finish := func(status model.ScrapeStatus, sources []string, errText string) {
		if logID == 0 {
			return
		}
		if err := c.repo.FinishScrapeLog(ctx, logID, model.ScrapeLog{
			Status:      status,
			CoordsFound: found,
			CoordsNew:   inserted,
			Sources:     strings.Join(sources, ","),
			Error:       errText,
		}); err != nil {
			c.logger.Warn("Failed to close scrape log", map[string]interface{}{
				"operation": "scrape_provider",
				"provider":  provider.Name,
				"error":     err.Error(),
			})
		}
	}

	result, err := c.fetcher.Fetch(ctx, provider.URL)
	if err != nil {
		c.logger.Error("Provider fetch failed", map[string]interface{}{
			"operation": "scrape_provider",
			"provider":  provider.Name,
			"error":     err.Error(),
		})
		finish(model.ScrapeError, nil, err.Error())
		if wmErr := c.repo.UpdateProviderWatermark(ctx, provider.ID, now, err.Error()); wmErr != nil {
			c.logger.Warn("Failed to update provider watermark", map[string]interface{}{
				"operation": "scrape_provider",
				"provider":  provider.Name,
				"error":     wmErr.Error(),
			})
		}
		return 0, 0, err
	}

	found = len(result.Points)
	points := result.Points
	if max := c.cfg.MaxCoordsPerTrip; max > 0 && len(points) > max {
		points = points[:max]
	}

	trip, resolveErr := c.resolveTrip(ctx, provider.ID)
	if resolveErr != nil {
		finish(model.ScrapeError, result.Sources, resolveErr.Error())
		return found, 0, resolveErr
	}

	inserted = c.storePoints(ctx, provider, trip, points)

	if trip != nil && inserted > 0 {
		if evErr := c.repo.InsertEvent(ctx, model.UnitEvent{
			TripID:      trip.ID,
			Type:        model.EventScrapeExitoso,
			Description: fmt.Sprintf("%d posiciones nuevas de %s", inserted, provider.Name),
			OccurredAt:  now,
		}); evErr != nil {
			c.logger.Warn("Failed to record scrape event", map[string]interface{}{
				"operation": "scrape_provider",
				"provider":  provider.Name,
				"error":     evErr.Error(),
			})
		}
	}

	finish(model.ScrapeSuccess, result.Sources, "")
	if wmErr := c.repo.UpdateProviderWatermark(ctx, provider.ID, now, ""); wmErr != nil {
		c.logger.Warn("Failed to update provider watermark", map[string]interface{}{
			"operation": "scrape_provider",
			"provider":  provider.Name,
			"error":     wmErr.Error(),
		})
	}
	return found, inserted, nil
}

// resolveTrip picks the trip the provider's fixes belong to: a trip
// bound to the provider wins; otherwise, when the fallback is enabled,
// the first unbound monitorable trip takes the data so it is not lost.
func (c *Coordinator) resolveTrip(ctx context.Context, providerID int64) (*model.Trip, error) {
	trips, err := c.repo.TripsForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	for i := range trips {
		if trips[i].ProviderID != nil && *trips[i].ProviderID == providerID {
			return &trips[i], nil
		}
	}
	if !c.cfg.FallbackTrip {
		return nil, nil
	}
	for i := range trips {
		if trips[i].ProviderID == nil {
			return &trips[i], nil
		}
	}
	return nil, nil
}

// storePoints persists the fixes that are not near-duplicates of what
// the trip already has, then advances the trip's last known position.
func (c *Coordinator) storePoints(ctx context.Context, provider *model.Provider, trip *model.Trip, points []geo.Point) int {
	now := time.Now()

	var recent []model.Coordinate
	if trip != nil {
		var err error
		recent, err = c.repo.RecentCoordinates(ctx, trip.ID, now.Add(-dedupWindow), 200)
		if err != nil {
			// Without the window we insert anyway; the bridge's unique
			// constraint is the backstop.
			c.logger.Warn("Failed to load dedup window", map[string]interface{}{
				"operation": "scrape_provider",
				"provider":  provider.Name,
				"error":     err.Error(),
			})
		}
	}

	inserted := 0
	var latest *geo.Point
	for i := range points {
		p := points[i]
		if isNearDuplicate(p, recent) {
			continue
		}

		coord := model.Coordinate{
			ProviderID:   provider.ID,
			Lat:          p.Lat,
			Lng:          p.Lng,
			Speed:        p.Speed,
			Heading:      p.Heading,
			IsStop:       p.IsStop,
			Battery:      p.Battery,
			Signal:       p.Signal,
			Satellites:   p.Satellites,
			GPSTimestamp: p.Timestamp,
			IngestedAt:   now,
			Source:       p.Source,
		}
		if trip != nil {
			coord.TripID = &trip.ID
		}

		if err := c.repo.InsertCoordinate(ctx, coord); err != nil {
			if core.IsConflict(err) {
				continue
			}
			c.logger.Error("Failed to insert coordinate", map[string]interface{}{
				"operation": "scrape_provider",
				"provider":  provider.Name,
				"error":     err.Error(),
			})
			continue
		}
		inserted++
		if latest == nil {
			latest = &points[i]
		}
	}

	if trip != nil && latest != nil {
		if err := c.repo.UpdateTripPosition(ctx, trip.ID, latest.Lat, latest.Lng, now); err != nil {
			c.logger.Warn("Failed to update trip position", map[string]interface{}{
				"operation": "scrape_provider",
				"trip_id":   trip.ID,
				"error":     err.Error(),
			})
		}
	}
	return inserted
}

func isNearDuplicate(p geo.Point, recent []model.Coordinate) bool {
	for i := range recent {
		if math.Abs(recent[i].Lat-p.Lat) < dedupEpsilon && math.Abs(recent[i].Lng-p.Lng) < dedupEpsilon {
			return true
		}
	}
	return false
}
