package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/model"
)

// Table names on the bridge side.
const (
	TableProviders  = "proveedores_gps"
	TableTrips      = "viajes"
	TableCoords     = "coordenadas"
	TableContacts   = "contactos_viaje"
	TableProtocols  = "protocolos_ia"
	TableCallLogs   = "llamadas_ia"
	TableEvents     = "eventos_unidad"
	TableScrapeLogs = "scrape_logs"
)

// The pipeline only watches trips that are actually on the road; every
// other lifecycle state is the back office's business.

// Repository is the typed query layer over the gateway. It owns the
// SQL text; callers never see the bridge's row shapes.
type Repository struct {
	gateway *Gateway
	logger  core.Logger
}

// NewRepository wraps a gateway with the typed query layer.
func NewRepository(gateway *Gateway, logger core.Logger) *Repository {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Repository{gateway: gateway, logger: logger}
}

// decodeRows converts flattened bridge rows into typed records via a
// JSON round trip, which also parses RFC3339 timestamps.
func decodeRows[T any](rows []map[string]interface{}) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode row: %w", err)
		}
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ActiveProviders returns providers flagged active, oldest scrape first
// so starved providers go to the front of a cycle.
func (r *Repository) ActiveProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableProviders+" WHERE activo = ? ORDER BY ultimo_scrape ASC",
		true)
	if err != nil {
		return nil, core.NewServiceError("repository.ActiveProviders", "storage", err)
	}
	return decodeRows[model.Provider](rows)
}

// TripsForDetection returns the stop detector's working set: en-route
// trips that have AI calls enabled.
func (r *Repository) TripsForDetection(ctx context.Context) ([]model.Trip, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableTrips+" WHERE estado = ? AND llamadas_ia_activas = ?",
		string(model.StateEnRuta), true)
	if err != nil {
		return nil, core.NewServiceError("repository.TripsForDetection", "storage", err)
	}
	return decodeRows[model.Trip](rows)
}

// TripsForProvider returns en-route trips bound to the provider plus
// unbound trips, which accept fixes from any provider.
func (r *Repository) TripsForProvider(ctx context.Context, providerID int64) ([]model.Trip, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableTrips+" WHERE estado = ? AND (provider_id = ? OR provider_id IS NULL)",
		string(model.StateEnRuta), providerID)
	if err != nil {
		return nil, core.NewServiceError("repository.TripsForProvider", "storage", err)
	}
	return decodeRows[model.Trip](rows)
}

// TripByID returns one trip or core.ErrNotFound.
func (r *Repository) TripByID(ctx context.Context, id int64) (*model.Trip, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableTrips+" WHERE id = ? LIMIT 1", id)
	if err != nil {
		return nil, core.NewServiceError("repository.TripByID", "storage", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("trip %d: %w", id, core.ErrNotFound)
	}
	trips, err := decodeRows[model.Trip](rows)
	if err != nil {
		return nil, err
	}
	return &trips[0], nil
}

// RecentCoordinates returns the trip's fixes since the cutoff, newest
// first, capped at limit.
func (r *Repository) RecentCoordinates(ctx context.Context, tripID int64, since time.Time, limit int) ([]model.Coordinate, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableCoords+" WHERE trip_id = ? AND fecha_ingesta >= ? ORDER BY fecha_ingesta DESC LIMIT ?",
		tripID, since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, core.NewServiceError("repository.RecentCoordinates", "storage", err)
	}
	return decodeRows[model.Coordinate](rows)
}

// LastCoordinate returns the trip's most recent fix, or nil when the
// trip has none.
func (r *Repository) LastCoordinate(ctx context.Context, tripID int64) (*model.Coordinate, error) {
	coords, err := r.RecentCoordinates(ctx, tripID, time.Time{}, 1)
	if err != nil {
		return nil, err
	}
	if len(coords) == 0 {
		return nil, nil
	}
	return &coords[0], nil
}

// InsertCoordinate appends one fix. Conflicts from the bridge's unique
// constraint surface as core.ErrConflict for the caller's dedup path.
func (r *Repository) InsertCoordinate(ctx context.Context, c model.Coordinate) error {
	fields := map[string]interface{}{
		"provider_id":   c.ProviderID,
		"lat":           c.Lat,
		"lng":           c.Lng,
		"fecha_ingesta": c.IngestedAt.UTC().Format(time.RFC3339),
		"fuente":        c.Source,
	}
	if c.TripID != nil {
		fields["trip_id"] = *c.TripID
	}
	if c.Speed != nil {
		fields["velocidad"] = *c.Speed
	}
	if c.Heading != nil {
		fields["rumbo"] = *c.Heading
	}
	if c.IsStop != nil {
		fields["es_paro"] = *c.IsStop
	}
	if c.Battery != nil {
		fields["bateria"] = *c.Battery
	}
	if c.Signal != nil {
		fields["senal"] = *c.Signal
	}
	if c.Satellites != nil {
		fields["satelites"] = *c.Satellites
	}
	if c.GPSTimestamp != "" {
		fields["fecha_gps"] = c.GPSTimestamp
	}

	if _, err := r.gateway.Insert(ctx, TableCoords, fields); err != nil {
		return core.NewServiceError("repository.InsertCoordinate", "storage", err)
	}
	return nil
}

// UpdateTripPosition records the trip's latest known position.
func (r *Repository) UpdateTripPosition(ctx context.Context, tripID int64, lat, lng float64, at time.Time) error {
	_, err := r.gateway.Update(ctx, TableTrips, tripID, map[string]interface{}{
		"ultima_lat":               lat,
		"ultima_lng":               lng,
		"ultima_actualizacion_gps": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return core.NewServiceError("repository.UpdateTripPosition", "storage", err)
	}
	return nil
}

// UpdateProviderWatermark stores the scrape watermark and last error
// (empty string clears a previous error).
func (r *Repository) UpdateProviderWatermark(ctx context.Context, providerID int64, at time.Time, lastError string) error {
	_, err := r.gateway.Update(ctx, TableProviders, providerID, map[string]interface{}{
		"ultimo_scrape": at.UTC().Format(time.RFC3339),
		"ultimo_error":  lastError,
	})
	if err != nil {
		return core.NewServiceError("repository.UpdateProviderWatermark", "storage", err)
	}
	return nil
}

// StartScrapeLog opens a running scrape-log record and returns its id.
func (r *Repository) StartScrapeLog(ctx context.Context, log model.ScrapeLog) (int64, error) {
	env, err := r.gateway.Insert(ctx, TableScrapeLogs, map[string]interface{}{
		"provider_id": log.ProviderID,
		"ciclo_id":    log.CycleID,
		"estado":      string(model.ScrapeRunning),
		"inicio":      log.StartedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, core.NewServiceError("repository.StartScrapeLog", "storage", err)
	}
	return env.ID, nil
}

// FinishScrapeLog closes a scrape-log record with its final status.
func (r *Repository) FinishScrapeLog(ctx context.Context, id int64, log model.ScrapeLog) error {
	fields := map[string]interface{}{
		"estado":              string(log.Status),
		"coords_encontradas":  log.CoordsFound,
		"coords_nuevas":       log.CoordsNew,
		"fuentes":             log.Sources,
		"fin":                 time.Now().UTC().Format(time.RFC3339),
	}
	if log.Error != "" {
		fields["error"] = log.Error
	}
	if _, err := r.gateway.Update(ctx, TableScrapeLogs, id, fields); err != nil {
		return core.NewServiceError("repository.FinishScrapeLog", "storage", err)
	}
	return nil
}

// RecentScrapeLogs returns the newest scrape-log records.
func (r *Repository) RecentScrapeLogs(ctx context.Context, limit int) ([]model.ScrapeLog, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableScrapeLogs+" ORDER BY inicio DESC LIMIT ?", limit)
	if err != nil {
		return nil, core.NewServiceError("repository.RecentScrapeLogs", "storage", err)
	}
	return decodeRows[model.ScrapeLog](rows)
}

// Contacts returns the trip's escalation contacts.
func (r *Repository) Contacts(ctx context.Context, tripID int64) ([]model.Contact, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableContacts+" WHERE trip_id = ?", tripID)
	if err != nil {
		return nil, core.NewServiceError("repository.Contacts", "storage", err)
	}
	return decodeRows[model.Contact](rows)
}

// ProtocolForTrip returns the trip-specific protocol when one exists,
// the global default otherwise, nil when neither is configured.
func (r *Repository) ProtocolForTrip(ctx context.Context, tripID int64) (*model.AIProtocol, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableProtocols+" WHERE trip_id = ? LIMIT 1", tripID)
	if err != nil {
		return nil, core.NewServiceError("repository.ProtocolForTrip", "storage", err)
	}
	if len(rows) == 0 {
		rows, err = r.gateway.Query(ctx,
			"SELECT * FROM "+TableProtocols+" WHERE trip_id IS NULL LIMIT 1")
		if err != nil {
			return nil, core.NewServiceError("repository.ProtocolForTrip", "storage", err)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	protos, err := decodeRows[model.AIProtocol](rows)
	if err != nil {
		return nil, err
	}
	return &protos[0], nil
}

// InsertCallLog records an outbound call and returns its id.
func (r *Repository) InsertCallLog(ctx context.Context, log model.AICallLog) (int64, error) {
	fields := map[string]interface{}{
		"trip_id":      log.TripID,
		"tipo":         string(log.Kind),
		"telefono":     log.Phone,
		"rol_contacto": string(log.Role),
		"inicio":       log.StartedAt.UTC().Format(time.RFC3339),
		"resultado":    string(log.Outcome),
	}
	if log.Summary != "" {
		fields["resumen"] = log.Summary
	}
	if log.Motive != "" {
		fields["motivo"] = log.Motive
	}
	if log.DurationSeconds > 0 {
		fields["duracion_segundos"] = log.DurationSeconds
	}
	if log.Lat != nil {
		fields["lat"] = *log.Lat
	}
	if log.Lng != nil {
		fields["lng"] = *log.Lng
	}
	if log.ExternalCallID != "" {
		fields["llamada_externa_id"] = log.ExternalCallID
	}

	env, err := r.gateway.Insert(ctx, TableCallLogs, fields)
	if err != nil {
		return 0, core.NewServiceError("repository.InsertCallLog", "storage", err)
	}
	return env.ID, nil
}

// UpdateCallLog patches a call record, typically from webhook
// reconciliation.
func (r *Repository) UpdateCallLog(ctx context.Context, id int64, fields map[string]interface{}) error {
	if _, err := r.gateway.Update(ctx, TableCallLogs, id, fields); err != nil {
		return core.NewServiceError("repository.UpdateCallLog", "storage", err)
	}
	return nil
}

// CallLogByExternalID finds the call record the voice vendor's webhook
// references, or core.ErrNotFound.
func (r *Repository) CallLogByExternalID(ctx context.Context, externalID string) (*model.AICallLog, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableCallLogs+" WHERE llamada_externa_id = ? ORDER BY inicio DESC LIMIT 1",
		externalID)
	if err != nil {
		return nil, core.NewServiceError("repository.CallLogByExternalID", "storage", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("call %s: %w", externalID, core.ErrNotFound)
	}
	logs, err := decodeRows[model.AICallLog](rows)
	if err != nil {
		return nil, err
	}
	return &logs[0], nil
}

// LastCallOfKind returns the trip's newest call of the given kind, nil
// when none exists. The stop detector's debounce reads through this.
func (r *Repository) LastCallOfKind(ctx context.Context, tripID int64, kind model.CallKind) (*model.AICallLog, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableCallLogs+" WHERE trip_id = ? AND tipo = ? ORDER BY inicio DESC LIMIT 1",
		tripID, string(kind))
	if err != nil {
		return nil, core.NewServiceError("repository.LastCallOfKind", "storage", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	logs, err := decodeRows[model.AICallLog](rows)
	if err != nil {
		return nil, err
	}
	return &logs[0], nil
}

// InsertEvent appends a timeline entry.
func (r *Repository) InsertEvent(ctx context.Context, ev model.UnitEvent) error {
	_, err := r.gateway.Insert(ctx, TableEvents, map[string]interface{}{
		"trip_id":     ev.TripID,
		"tipo_evento": string(ev.Type),
		"descripcion": ev.Description,
		"fecha":       ev.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return core.NewServiceError("repository.InsertEvent", "storage", err)
	}
	return nil
}

// LastEventOfType returns the trip's newest event of the given type,
// nil when none exists. The stop detector's debounce reads through
// this.
func (r *Repository) LastEventOfType(ctx context.Context, tripID int64, eventType model.EventType) (*model.UnitEvent, error) {
	rows, err := r.gateway.Query(ctx,
		"SELECT * FROM "+TableEvents+" WHERE trip_id = ? AND tipo_evento = ? ORDER BY fecha DESC LIMIT 1",
		tripID, string(eventType))
	if err != nil {
		return nil, core.NewServiceError("repository.LastEventOfType", "storage", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	events, err := decodeRows[model.UnitEvent](rows)
	if err != nil {
		return nil, err
	}
	return &events[0], nil
}
