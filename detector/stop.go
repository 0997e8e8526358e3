// Package detector classifies trips as stopped or moving from their
// recent fixes and raises stop alerts toward the escalation engine.
package detector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/geo"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/storage"
)

// Escalator receives confirmed stops. Implemented by the escalation
// engine; a no-op suffices when calls are disabled globally.
type Escalator interface {
	EscalateStop(ctx context.Context, trip *model.Trip, assessment *Assessment) error
}

// Assessment is the outcome of classifying one trip.
type Assessment struct {
	TripID       int64   `json:"trip_id"`
	Stopped      bool    `json:"stopped"`
	Reason       string  `json:"reason"`
	DwellMinutes float64 `json:"dwell_minutes"`
	SpreadMeters float64 `json:"spread_meters"`
	Threshold    int     `json:"threshold_minutes"`
	Coords       int     `json:"coords"`
	Lat          float64 `json:"lat,omitempty"`
	Lng          float64 `json:"lng,omitempty"`
}

// Classification reasons.
const (
	ReasonStopped        = "stopped"
	ReasonInsufficient   = "insufficient_data"
	ReasonMovingSpeed    = "moving_speed"
	ReasonSpreadExceeded = "spread_exceeded"
	ReasonDwellTooShort  = "dwell_below_threshold"
)

// Summary is the outcome of one detection pass.
type Summary struct {
	StartedAt      time.Time `json:"started_at"`
	TripsChecked   int       `json:"trips_checked"`
	StopsDetected  int       `json:"stops_detected"`
	CallsTriggered int       `json:"calls_triggered"`
	Errors         []string  `json:"errors,omitempty"`
}

// minLookbackMinutes floors the coordinate window at a full day so
// slow-reporting units still accumulate enough history.
const minLookbackMinutes = 1440

// Detector runs the stop classification over monitorable trips.
type Detector struct {
	repo      *storage.Repository
	escalator Escalator
	cfg       core.DetectionConfig
	logger    core.Logger
	telemetry core.Telemetry

	running int32
}

// NewDetector assembles a stop detector.
func NewDetector(repo *storage.Repository, escalator Escalator, cfg core.DetectionConfig, logger core.Logger, telemetry core.Telemetry) *Detector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Detector{
		repo:      repo,
		escalator: escalator,
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
	}
}

// Running reports whether a detection pass is in flight.
func (d *Detector) Running() bool {
	return atomic.LoadInt32(&d.running) == 1
}

// Run classifies every monitorable trip. Concurrent passes are
// rejected with core.ErrAlreadyRunning.
func (d *Detector) Run(ctx context.Context) (*Summary, error) {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return nil, core.ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&d.running, 0)

	ctx, span := d.telemetry.StartSpan(ctx, "detector.run")
	defer span.End()

	trips, err := d.repo.TripsForDetection(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	summary := &Summary{StartedAt: time.Now(), TripsChecked: len(trips)}
	for i := range trips {
		stopped, called, err := d.checkTrip(ctx, &trips[i])
		if stopped {
			summary.StopsDetected++
		}
		if called {
			summary.CallsTriggered++
		}
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", trips[i].Label(), err))
		}
	}

	span.SetAttribute("detector.trips", summary.TripsChecked)
	span.SetAttribute("detector.stops", summary.StopsDetected)

	d.logger.Info("Detection pass finished", map[string]interface{}{
		"operation":       "detection_pass",
		"trips_checked":   summary.TripsChecked,
		"stops_detected":  summary.StopsDetected,
		"calls_triggered": summary.CallsTriggered,
		"errors":          len(summary.Errors),
	})
	return summary, nil
}

// CheckTrip classifies one trip by id and, when the stop is confirmed
// and not debounced, raises the alert. Used by the manual trigger.
func (d *Detector) CheckTrip(ctx context.Context, tripID int64) (*Assessment, error) {
	trip, err := d.repo.TripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	assessment, _, _, err := d.classifyAndAlert(ctx, trip)
	return assessment, err
}

func (d *Detector) checkTrip(ctx context.Context, trip *model.Trip) (stopped, called bool, err error) {
	_, stopped, called, err = d.classifyAndAlert(ctx, trip)
	return stopped, called, err
}

func (d *Detector) classifyAndAlert(ctx context.Context, trip *model.Trip) (*Assessment, bool, bool, error) {
	proto, err := d.repo.ProtocolForTrip(ctx, trip.ID)
	if err != nil {
		// Without the protocol the defaults still apply.
		d.logger.Warn("Failed to load protocol, using defaults", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
			"error":     err.Error(),
		})
		proto = nil
	}

	threshold := d.thresholdFor(trip, proto)
	assessment, err := d.Assess(ctx, trip, threshold)
	if err != nil {
		return nil, false, false, err
	}

	if !assessment.Stopped {
		d.maybeResumeEvent(ctx, trip)
		return assessment, false, false, nil
	}

	// The scheduled pass already selects on this flag; the manual
	// trigger can reach any trip, so it is re-checked here.
	if !trip.AICallsEnabled {
		d.logger.Debug("AI calls disabled for trip, stop not alerted", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
		})
		return assessment, true, false, nil
	}

	if d.recentlyAlerted(ctx, trip.ID) {
		d.logger.Debug("Stop alert debounced", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
		})
		return assessment, true, false, nil
	}

	if err := d.repo.InsertEvent(ctx, model.UnitEvent{
		TripID: trip.ID,
		Type:   model.EventAlertaParoIA,
		Description: fmt.Sprintf("Paro detectado: %.0f min sin movimiento (radio %.0f m)",
			assessment.DwellMinutes, assessment.SpreadMeters),
		OccurredAt: time.Now(),
	}); err != nil {
		d.logger.Error("Failed to record stop alert", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
			"error":     err.Error(),
		})
	}

	if (proto != nil && !proto.CallsEnabled) || d.escalator == nil {
		return assessment, true, false, nil
	}

	if err := d.escalator.EscalateStop(ctx, trip, assessment); err != nil {
		d.logger.Error("Stop escalation failed", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
			"error":     err.Error(),
		})
		return assessment, true, false, err
	}
	return assessment, true, true, nil
}

func (d *Detector) thresholdFor(trip *model.Trip, proto *model.AIProtocol) int {
	if trip.StopThresholdMinutes > 0 {
		return trip.StopThresholdMinutes
	}
	if proto != nil && proto.StopThresholdMinutes > 0 {
		return proto.StopThresholdMinutes
	}
	return d.cfg.DefaultThresholdMinutes
}

// Assess runs the classification chain for one trip with the given
// threshold in minutes.
func (d *Detector) Assess(ctx context.Context, trip *model.Trip, thresholdMinutes int) (*Assessment, error) {
	lookback := thresholdMinutes * 3
	if lookback < minLookbackMinutes {
		lookback = minLookbackMinutes
	}

	now := time.Now()
	coords, err := d.repo.RecentCoordinates(ctx, trip.ID, now.Add(-time.Duration(lookback)*time.Minute), d.cfg.MaxCoords)
	if err != nil {
		return nil, err
	}

	assessment := &Assessment{TripID: trip.ID, Coords: len(coords), Threshold: thresholdMinutes}
	if len(coords) < 2 {
		assessment.Reason = ReasonInsufficient
		return assessment, nil
	}

	// Newest first. The window is judged as a whole: any pair of fixes
	// farther apart than the stop radius means the unit traveled at
	// some point during it.
	assessment.Lat = coords[0].Lat
	assessment.Lng = coords[0].Lng

	points := make([]geo.Point, len(coords))
	for i := range coords {
		points[i] = geo.Point{Lat: coords[i].Lat, Lng: coords[i].Lng}
	}
	assessment.SpreadMeters = geo.MaxPairwiseDistance(points)
	if assessment.SpreadMeters > d.cfg.StopRadiusMeters {
		assessment.Reason = ReasonSpreadExceeded
		return assessment, nil
	}

	// Even a tight position cluster is disqualified by any fix that
	// reports motion.
	for i := range coords {
		if coords[i].Speed != nil && *coords[i].Speed > d.cfg.SpeedGateKmh {
			assessment.Reason = ReasonMovingSpeed
			return assessment, nil
		}
	}

	assessment.DwellMinutes = coords[0].IngestedAt.Sub(coords[len(coords)-1].IngestedAt).Minutes()
	if assessment.DwellMinutes < float64(thresholdMinutes) {
		assessment.Reason = ReasonDwellTooShort
		return assessment, nil
	}

	assessment.Stopped = true
	assessment.Reason = ReasonStopped
	return assessment, nil
}

// recentlyAlerted applies the debounce window: a fresh stop-alert event
// or a fresh paro call both suppress a new alert. When a lookup fails
// the alert proceeds; a duplicate call beats a missed stop.
func (d *Detector) recentlyAlerted(ctx context.Context, tripID int64) bool {
	last, err := d.repo.LastEventOfType(ctx, tripID, model.EventAlertaParoIA)
	if err == nil && last != nil && time.Since(last.OccurredAt) < d.cfg.DebounceWindow {
		return true
	}
	call, err := d.repo.LastCallOfKind(ctx, tripID, model.CallParo)
	if err == nil && call != nil && time.Since(call.StartedAt) < d.cfg.DebounceWindow {
		return true
	}
	return false
}

// maybeResumeEvent records a movement-resume entry when the trip was
// previously flagged stopped and is now moving again.
func (d *Detector) maybeResumeEvent(ctx context.Context, trip *model.Trip) {
	lastAlert, err := d.repo.LastEventOfType(ctx, trip.ID, model.EventAlertaParoIA)
	if err != nil || lastAlert == nil {
		return
	}
	lastResume, err := d.repo.LastEventOfType(ctx, trip.ID, model.EventReinicioMovimiento)
	if err == nil && lastResume != nil && lastResume.OccurredAt.After(lastAlert.OccurredAt) {
		return
	}

	if err := d.repo.InsertEvent(ctx, model.UnitEvent{
		TripID:      trip.ID,
		Type:        model.EventReinicioMovimiento,
		Description: "Unidad en movimiento nuevamente",
		OccurredAt:  time.Now(),
	}); err != nil {
		d.logger.Warn("Failed to record resume event", map[string]interface{}{
			"operation": "detection_trip",
			"trip_id":   trip.ID,
			"error":     err.Error(),
		})
	}
}
