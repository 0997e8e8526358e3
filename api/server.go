// Package api exposes the thin control surface: scraper and scheduler
// status and toggles, manual triggers, and the voice vendor webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/detector"
	"github.com/fleetwatch/fleetwatch/escalation"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/scheduler"
	"github.com/fleetwatch/fleetwatch/scraper"
	"github.com/fleetwatch/fleetwatch/storage"
)

// Server is the HTTP control surface.
type Server struct {
	coordinator *scraper.Coordinator
	detector    *detector.Detector
	engine      *escalation.Engine
	scheduler   *scheduler.Scheduler
	repo        *storage.Repository
	geocoder    *Geocoder
	cfg         core.Config
	logger      core.Logger

	httpServer *http.Server
}

// NewServer wires the control surface over the assembled pipeline.
func NewServer(coordinator *scraper.Coordinator, det *detector.Detector, engine *escalation.Engine, sched *scheduler.Scheduler, repo *storage.Repository, geocoder *Geocoder, cfg core.Config, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{
		coordinator: coordinator,
		detector:    det,
		engine:      engine,
		scheduler:   sched,
		repo:        repo,
		geocoder:    geocoder,
		cfg:         cfg,
		logger:      logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/scraper/status", s.handleScraperStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/scraper/run", s.handleScraperRun).Methods(http.MethodPost)

	r.HandleFunc("/api/trips/{id:[0-9]+}/position", s.handleTripPosition).Methods(http.MethodGet)

	r.HandleFunc("/api/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/scheduler/toggle", s.handleSchedulerToggle).Methods(http.MethodPost)

	r.HandleFunc("/api/ai/status", s.handleAIStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/ai/toggle-detection", s.handleToggleDetection).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/api/run-detection", s.handleRunDetection).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/api/manual-call", s.handleManualCall).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/vapi", s.handleVapiWebhook).Methods(http.MethodPost)

	return r
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	s.logger.Info("Control surface listening", map[string]interface{}{
		"operation": "http_start",
		"addr":      addr,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "http_response",
			"error":     err.Error(),
		})
	}
}

func (s *Server) writeData(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrAlreadyRunning):
		return http.StatusConflict
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsConfigurationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]string{"status": "ok"})
}

// handleScraperStatus keeps the dashboard's key names: isRunning,
// lastRunTime, lastRunResult, mode.
func (s *Server) handleScraperStatus(w http.ResponseWriter, r *http.Request) {
	mode := "manual"
	if s.scheduler.ScrapeEnabled(r.Context()) {
		mode = "cron"
	}

	status := map[string]interface{}{
		"isRunning":     s.coordinator.Running(),
		"lastRunTime":   nil,
		"lastRunResult": nil,
		"mode":          mode,
	}
	if last := s.coordinator.LastCycle(r.Context()); last != nil {
		status["lastRunTime"] = last.StartedAt
		status["lastRunResult"] = last
	}
	if logs, err := s.repo.RecentScrapeLogs(r.Context(), 20); err == nil {
		status["recent_logs"] = logs
	}
	s.writeData(w, status)
}

func (s *Server) handleScraperRun(w http.ResponseWriter, r *http.Request) {
	// Callers send providerId or provider_id; accept both.
	var req struct {
		ProviderID       int64 `json:"providerId"`
		ProviderIDLegacy int64 `json:"provider_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	providerID := req.ProviderID
	if providerID == 0 {
		providerID = req.ProviderIDLegacy
	}

	var summary *scraper.CycleSummary
	var err error
	if providerID > 0 {
		summary, err = s.coordinator.RunProvider(r.Context(), providerID)
	} else {
		summary, err = s.coordinator.RunAll(r.Context())
	}
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			s.writeJSON(w, http.StatusConflict, envelope{Success: false, Error: "already_running"})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeData(w, summary)
}

func (s *Server) handleTripPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid trip id: %w", core.ErrInvalidConfiguration))
		return
	}

	trip, err := s.repo.TripByID(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	coord, err := s.repo.LastCoordinate(r.Context(), trip.ID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if coord == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("trip %d has no coordinates: %w", id, core.ErrNotFound))
		return
	}

	s.writeData(w, map[string]interface{}{
		"trip_id":   trip.ID,
		"unidad":    trip.UnitID,
		"lat":       coord.Lat,
		"lng":       coord.Lng,
		"velocidad": coord.Speed,
		"fecha_gps": coord.GPSTimestamp,
		"direccion": s.geocoder.Describe(r.Context(), coord.Lat, coord.Lng),
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]interface{}{
		"scrape_enabled":    s.scheduler.ScrapeEnabled(r.Context()),
		"detection_enabled": s.scheduler.DetectionEnabled(r.Context()),
		"cron_schedule":     s.cfg.Scheduler.CronSchedule,
	})
}

func (s *Server) handleSchedulerToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("body requires enabled: %w", core.ErrInvalidConfiguration))
		return
	}
	if err := s.scheduler.SetScrapeEnabled(r.Context(), *req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeData(w, map[string]bool{"scrape_enabled": *req.Enabled})
}

func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]interface{}{
		"detection_enabled":  s.scheduler.DetectionEnabled(r.Context()),
		"detection_running":  s.detector.Running(),
		"detection_interval": s.cfg.Detection.Interval.String(),
		"direct_call_mode":   s.cfg.DirectCallMode(),
	})
}

func (s *Server) handleToggleDetection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("body requires enabled: %w", core.ErrInvalidConfiguration))
		return
	}
	if err := s.scheduler.SetDetectionEnabled(r.Context(), *req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeData(w, map[string]bool{"detection_enabled": *req.Enabled})
}

func (s *Server) handleRunDetection(w http.ResponseWriter, r *http.Request) {
	summary, err := s.detector.Run(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			s.writeJSON(w, http.StatusConflict, envelope{Success: false, Error: "already_running"})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeData(w, summary)
}

func (s *Server) handleManualCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID       int64  `json:"tripId"`
		TripIDSnake  int64  `json:"trip_id"`
		ContactRole  string `json:"contactRole"`
		Role         string `json:"role"`
		Kind         string `json:"kind"`
		Message      string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", core.ErrInvalidConfiguration))
		return
	}
	tripID := req.TripID
	if tripID == 0 {
		tripID = req.TripIDSnake
	}
	if tripID == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("body requires tripId: %w", core.ErrInvalidConfiguration))
		return
	}
	role := req.ContactRole
	if role == "" {
		role = req.Role
	}

	log, err := s.engine.ManualCall(r.Context(), tripID, model.ContactRole(role), model.CallKind(req.Kind), req.Message)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeData(w, log)
}
