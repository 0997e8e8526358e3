// Package model defines the persisted records the pipeline reads and
// writes through the storage bridge. Field tags follow the bridge's
// column names, which the legacy back office established in Spanish.
package model

import (
	"math"
	"time"
)

// TripState enumerates the externally driven trip lifecycle.
// The pipeline only reads state; transitions happen in the back office.
type TripState string

const (
	StateEnRuta         TripState = "en_ruta"
	StateEnEspera       TripState = "en_espera"
	StateCargando       TripState = "cargando"
	StateCompletado     TripState = "completado"
	StateCancelado      TripState = "cancelado"
	StateDetenido       TripState = "detenido"
	StateProximoDestino TripState = "proximo_destino"
)

// Provider is a third-party GPS portal scraped on its own interval.
type Provider struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"nombre"`
	URL                   string     `json:"url"`
	Username              string     `json:"usuario,omitempty"`
	Password              string     `json:"password,omitempty"`
	ScrapeIntervalMinutes int        `json:"intervalo_scrape_minutos"`
	Active                bool       `json:"activo"`
	LastScrapeAt          *time.Time `json:"ultimo_scrape,omitempty"`
	LastError             string     `json:"ultimo_error,omitempty"`
}

// Due reports whether the provider interval has elapsed since the last
// scrape. A provider that has never been scraped is always due.
func (p *Provider) Due(now time.Time) bool {
	if p.LastScrapeAt == nil {
		return true
	}
	interval := time.Duration(p.ScrapeIntervalMinutes) * time.Minute
	if interval < time.Minute {
		interval = time.Minute
	}
	return now.Sub(*p.LastScrapeAt) >= interval
}

// Trip is a monitored unit assignment.
type Trip struct {
	ID                   int64      `json:"id"`
	UnitID               string     `json:"unidad_id"`
	Placas               string     `json:"placas,omitempty"`
	Container            string     `json:"contenedor,omitempty"`
	Operator             string     `json:"operador,omitempty"`
	State                TripState  `json:"estado"`
	ProviderID           *int64     `json:"provider_id,omitempty"`
	FrequencyMinutes     int        `json:"frecuencia_monitoreo_minutos,omitempty"`
	StopThresholdMinutes int        `json:"umbral_paro_minutos,omitempty"`
	AICallsEnabled       bool       `json:"llamadas_ia_activas"`
	Origin               string     `json:"origen,omitempty"`
	Destination          string     `json:"destino,omitempty"`
	LastLat              *float64   `json:"ultima_lat,omitempty"`
	LastLng              *float64   `json:"ultima_lng,omitempty"`
	LastGPSUpdate        *time.Time `json:"ultima_actualizacion_gps,omitempty"`
}

// Label returns the human identifier used in call scripts: plates when
// present, container otherwise, unit id as last resort.
func (t *Trip) Label() string {
	if t.Placas != "" {
		return t.Placas
	}
	if t.Container != "" {
		return t.Container
	}
	return t.UnitID
}

// StopThreshold returns the per-trip stop threshold with the configured
// default applied.
func (t *Trip) StopThreshold(defaultMinutes int) int {
	if t.StopThresholdMinutes > 0 {
		return t.StopThresholdMinutes
	}
	return defaultMinutes
}

// Coordinate is an observed GPS fix. Append-only.
type Coordinate struct {
	ID           int64     `json:"id,omitempty"`
	TripID       *int64    `json:"trip_id,omitempty"`
	ProviderID   int64     `json:"provider_id,omitempty"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Speed        *float64  `json:"velocidad,omitempty"`
	Heading      *float64  `json:"rumbo,omitempty"`
	IsStop       *bool     `json:"es_paro,omitempty"`
	Battery      *float64  `json:"bateria,omitempty"`
	Signal       *float64  `json:"senal,omitempty"`
	Satellites   *int      `json:"satelites,omitempty"`
	GPSTimestamp string    `json:"fecha_gps,omitempty"`
	IngestedAt   time.Time `json:"fecha_ingesta"`
	Source       string    `json:"fuente"`
}

// ContactRole identifies a slot in the escalation chain.
type ContactRole string

const (
	RoleOperador     ContactRole = "operador"
	RoleCoordinador1 ContactRole = "coordinador1"
	RoleCoordinador2 ContactRole = "coordinador2"
	RoleCoordinador3 ContactRole = "coordinador3"
	RoleCliente      ContactRole = "cliente"
	RolePropietario  ContactRole = "propietario"
	RoleOtro         ContactRole = "otro"
)

// EscalationOrder is the fixed call order for a confirmed stop.
// Propietario and otro are reachable only through manual calls.
var EscalationOrder = []ContactRole{
	RoleOperador,
	RoleCoordinador1,
	RoleCoordinador2,
	RoleCoordinador3,
	RoleCliente,
}

// IsCoordinator reports whether the role receives the operator hand-off.
func (r ContactRole) IsCoordinator() bool {
	switch r {
	case RoleCoordinador1, RoleCoordinador2, RoleCoordinador3:
		return true
	}
	return false
}

// Contact is an escalation endpoint attached to a trip.
type Contact struct {
	ID     int64       `json:"id"`
	TripID int64       `json:"trip_id"`
	Role   ContactRole `json:"rol"`
	Name   string      `json:"nombre"`
	Phone  string      `json:"telefono"`
}

// AIProtocol is the tunable call-behavior config, per-trip or default.
type AIProtocol struct {
	ID                   int64  `json:"id"`
	TripID               *int64 `json:"trip_id,omitempty"`
	StopThresholdMinutes int    `json:"umbral_paro_minutos,omitempty"`
	CallsEnabled         bool   `json:"llamadas_activas"`
	Instructions         string `json:"protocolo,omitempty"`
	Language             string `json:"idioma,omitempty"`
}

// CallKind classifies an outbound AI call.
type CallKind string

const (
	CallParo         CallKind = "paro"
	CallAccidente    CallKind = "accidente"
	CallVerificacion CallKind = "verificacion"
)

// CallOutcome is the recorded result of an outbound call.
type CallOutcome string

const (
	OutcomeAtendida   CallOutcome = "atendida"
	OutcomeNoAtendida CallOutcome = "no_atendida"
	OutcomeBuzon      CallOutcome = "buzon"
	OutcomeError      CallOutcome = "error"
)

// AICallLog is one outbound call record.
type AICallLog struct {
	ID              int64       `json:"id,omitempty"`
	TripID          int64       `json:"trip_id"`
	Kind            CallKind    `json:"tipo"`
	Phone           string      `json:"telefono"`
	Role            ContactRole `json:"rol_contacto"`
	StartedAt       time.Time   `json:"inicio"`
	EndedAt         *time.Time  `json:"fin,omitempty"`
	DurationSeconds int         `json:"duracion_segundos,omitempty"`
	Outcome         CallOutcome `json:"resultado"`
	Summary         string      `json:"resumen,omitempty"`
	Motive          string      `json:"motivo,omitempty"`
	Lat             *float64    `json:"lat,omitempty"`
	Lng             *float64    `json:"lng,omitempty"`
	ExternalCallID  string      `json:"llamada_externa_id,omitempty"`
}

// EventType enumerates the unit timeline entries the pipeline appends.
type EventType string

const (
	EventCreacion             EventType = "creacion"
	EventInicioRuta           EventType = "inicio_ruta"
	EventUbicacion            EventType = "ubicacion_actualizada"
	EventDetencionDetectada   EventType = "detencion_detectada"
	EventReinicioMovimiento   EventType = "reinicio_movimiento"
	EventLlamadaOperador      EventType = "llamada_operador"
	EventLlamadaCliente       EventType = "llamada_cliente"
	EventLlamadaPropietario   EventType = "llamada_propietario"
	EventLlamadaIAOperador    EventType = "llamada_ia_operador"
	EventLlamadaIACoordinador EventType = "llamada_ia_coordinador"
	EventScrapeExitoso        EventType = "scrape_exitoso"
	EventScrapeError          EventType = "scrape_error"
	EventAlertaParoIA         EventType = "alerta_paro_ia"
	EventLlegadaDestino       EventType = "llegada_destino"
)

// UnitEvent is an append-only timeline entry for a trip.
type UnitEvent struct {
	ID          int64     `json:"id,omitempty"`
	TripID      int64     `json:"trip_id"`
	Type        EventType `json:"tipo_evento"`
	Description string    `json:"descripcion,omitempty"`
	OccurredAt  time.Time `json:"fecha"`
}

// ScrapeStatus tracks a provider-cycle attempt.
type ScrapeStatus string

const (
	ScrapeRunning ScrapeStatus = "running"
	ScrapeSuccess ScrapeStatus = "success"
	ScrapeError   ScrapeStatus = "error"
)

// ScrapeLog is one record per provider-cycle attempt.
type ScrapeLog struct {
	ID          int64        `json:"id,omitempty"`
	ProviderID  int64        `json:"provider_id"`
	CycleID     string       `json:"ciclo_id,omitempty"`
	Status      ScrapeStatus `json:"estado"`
	CoordsFound int          `json:"coords_encontradas"`
	CoordsNew   int          `json:"coords_nuevas"`
	Sources     string       `json:"fuentes,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"inicio"`
	FinishedAt  *time.Time   `json:"fin,omitempty"`
}

// ValidLatLng applies the shared validity rule: in-range and not the
// null-island sentinel that broken portals emit.
func ValidLatLng(lat, lng float64) bool {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	if math.Abs(lat) < 0.01 && math.Abs(lng) < 0.01 {
		return false
	}
	return true
}
