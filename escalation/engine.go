package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/detector"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/storage"
)

// Engine walks a trip's contact chain for a confirmed stop. Calls run
// asynchronously at the vendor, so a successfully placed call counts
// as answered until the end-of-call webhook reconciles the record.
type Engine struct {
	repo      *storage.Repository
	caller    Caller
	cfg       core.VapiConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// NewEngine assembles the escalation engine around a caller.
func NewEngine(repo *storage.Repository, caller Caller, cfg core.VapiConfig, logger core.Logger, telemetry core.Telemetry) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Engine{
		repo:      repo,
		caller:    caller,
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
	}
}

// EscalateStop runs the stop chain: operator first, then coordinators
// with the operator hand-off, then the client. The chain ends when a
// contact other than the operator answers.
func (e *Engine) EscalateStop(ctx context.Context, trip *model.Trip, assessment *detector.Assessment) error {
	ctx, span := e.telemetry.StartSpan(ctx, "escalation.stop")
	defer span.End()
	span.SetAttribute("trip.id", trip.ID)

	contacts, err := e.repo.Contacts(ctx, trip.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(contacts) == 0 {
		e.logger.Warn("Stop confirmed but trip has no contacts", map[string]interface{}{
			"operation": "escalation",
			"trip_id":   trip.ID,
		})
		return nil
	}

	proto, err := e.repo.ProtocolForTrip(ctx, trip.ID)
	if err != nil {
		proto = nil
	}

	baseMotive := fmt.Sprintf("La unidad lleva %.0f minutos sin moverse en la posición %.6f, %.6f; el umbral configurado es de %d minutos.",
		assessment.DwellMinutes, assessment.Lat, assessment.Lng, assessment.Threshold)
	location := ""
	if assessment.Lat != 0 || assessment.Lng != 0 {
		location = fmt.Sprintf("%.4f, %.4f", assessment.Lat, assessment.Lng)
	}

	operatorAnswered := false
	operatorSummary := ""
	placed := 0

	for _, role := range model.EscalationOrder {
		contact := contactWithRole(contacts, role)
		if contact == nil {
			continue
		}

		// Coordinators get the operator hand-off; the client gets the
		// base motive untouched.
		motive := baseMotive
		if role.IsCoordinator() {
			if operatorAnswered {
				summary := operatorSummary
				if summary == "" {
					summary = "confirmó la situación"
				}
				motive = fmt.Sprintf("Ya se llamó al operador y dijo: %s. %s", summary, baseMotive)
			} else {
				motive = fmt.Sprintf("%s El operador no contestó; infórmale al coordinador de la situación.", baseMotive)
			}
		}

		outcome, resp := e.callContact(ctx, trip, contact, model.CallParo, motive, location, proto, assessment)
		answered := outcome == model.OutcomeAtendida && resp != nil && resp.Answered
		if answered {
			placed++
		}

		if role == model.RoleOperador {
			// The operator call feeds the hand-off context but never
			// ends the chain; a coordinator is always informed.
			if answered {
				operatorAnswered = true
				operatorSummary = resp.Summary
			}
			continue
		}
		if answered {
			// A coordinator or the client took the hand-off.
			break
		}
	}

	if placed == 0 {
		e.logger.Error("Stop escalation exhausted the contact chain", map[string]interface{}{
			"operation": "escalation",
			"trip_id":   trip.ID,
			"contacts":  len(contacts),
		})
	}
	return nil
}

// ManualCall places a one-off call to the given role outside the stop
// chain. Used by the control surface, defaulting to a status check.
func (e *Engine) ManualCall(ctx context.Context, tripID int64, role model.ContactRole, kind model.CallKind, message string) (*model.AICallLog, error) {
	trip, err := e.repo.TripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	contacts, err := e.repo.Contacts(ctx, tripID)
	if err != nil {
		return nil, err
	}

	if role == "" {
		role = model.RoleOperador
	}
	if kind == "" {
		kind = model.CallVerificacion
	}
	contact := contactWithRole(contacts, role)
	if contact == nil {
		return nil, fmt.Errorf("trip %d has no %s contact: %w", tripID, role, core.ErrNotFound)
	}

	proto, err := e.repo.ProtocolForTrip(ctx, tripID)
	if err != nil {
		proto = nil
	}

	location := ""
	if trip.LastLat != nil && trip.LastLng != nil {
		location = fmt.Sprintf("%.4f, %.4f", *trip.LastLat, *trip.LastLng)
	}

	motive := message
	if motive == "" {
		motive = "Llamada manual solicitada desde el panel."
	}

	outcome, resp := e.callContact(ctx, trip, contact, kind, motive, location, proto, nil)
	if outcome == model.OutcomeError {
		return nil, fmt.Errorf("manual call to %s failed: %w", contact.Phone, core.ErrTransport)
	}

	log := &model.AICallLog{
		TripID:  tripID,
		Kind:    kind,
		Role:    role,
		Phone:   contact.Phone,
		Outcome: outcome,
	}
	if resp != nil {
		log.ExternalCallID = resp.ID
		log.Summary = resp.Summary
		log.DurationSeconds = resp.DurationSeconds
	}
	return log, nil
}

// callContact normalizes the number, places the call and records the
// call log and timeline event. Returns the recorded outcome and the
// caller's response, nil when the call never went out.
func (e *Engine) callContact(ctx context.Context, trip *model.Trip, contact *model.Contact, kind model.CallKind, motive, location string, proto *model.AIProtocol, assessment *detector.Assessment) (model.CallOutcome, *CallResponse) {
	started := time.Now()

	log := model.AICallLog{
		TripID:    trip.ID,
		Kind:      kind,
		Role:      contact.Role,
		StartedAt: started,
		Motive:    motive,
	}
	if assessment != nil {
		log.Lat = &assessment.Lat
		log.Lng = &assessment.Lng
	} else if trip.LastLat != nil && trip.LastLng != nil {
		log.Lat = trip.LastLat
		log.Lng = trip.LastLng
	}

	phone, err := NormalizePhone(contact.Phone)
	if err != nil {
		e.logger.Error("Contact phone is unusable", map[string]interface{}{
			"operation": "escalation_call",
			"trip_id":   trip.ID,
			"role":      string(contact.Role),
			"error":     err.Error(),
		})
		log.Phone = contact.Phone
		log.Outcome = model.OutcomeError
		log.Summary = err.Error()
		e.recordCall(ctx, &log)
		return model.OutcomeError, nil
	}
	log.Phone = phone

	language := e.cfg.Language
	instructions := ""
	if proto != nil {
		if proto.Language != "" {
			language = proto.Language
		}
		instructions = proto.Instructions
	}

	in := PromptInput{
		Trip:         trip,
		Kind:         kind,
		Role:         contact.Role,
		ContactName:  contact.Name,
		Motive:       motive,
		Language:     language,
		Instructions: instructions,
		Location:     location,
	}

	metadata := map[string]interface{}{
		"tripId":      trip.ID,
		"contactRole": string(contact.Role),
		"kind":        string(kind),
		"origin":      trip.Origin,
		"destination": trip.Destination,
	}
	if kind == model.CallParo {
		metadata["reason"] = "stop_alert"
	}
	if assessment != nil {
		metadata["stoppedMinutes"] = int(assessment.DwellMinutes)
	}

	resp, err := e.caller.PlaceCall(ctx, CallRequest{
		Phone:        phone,
		SystemPrompt: BuildSystemPrompt(in),
		FirstMessage: BuildFirstMessage(in),
		Language:     language,
		Metadata:     metadata,
	})
	if err != nil {
		e.logger.Error("Call placement failed", map[string]interface{}{
			"operation": "escalation_call",
			"trip_id":   trip.ID,
			"role":      string(contact.Role),
			"error":     err.Error(),
		})
		// A call that never went out is an error, not an unanswered
		// call; the text carries the vendor's status line.
		log.Outcome = model.OutcomeError
		log.Summary = err.Error()
		e.recordCall(ctx, &log)
		return model.OutcomeError, nil
	}

	// Optimistic until the end-of-call webhook reports the real
	// result, unless the caller already resolved it synchronously.
	log.Outcome = model.OutcomeAtendida
	if resp.Outcome != "" {
		log.Outcome = resp.Outcome
	}
	log.ExternalCallID = resp.ID
	log.DurationSeconds = resp.DurationSeconds
	if resp.Summary != "" {
		log.Summary = resp.Summary
	}
	e.recordCall(ctx, &log)

	e.logger.Info("Escalation call placed", map[string]interface{}{
		"operation": "escalation_call",
		"trip_id":   trip.ID,
		"role":      string(contact.Role),
		"call_id":   resp.ID,
		"outcome":   string(log.Outcome),
	})
	return log.Outcome, resp
}

// recordCall persists the call log and its timeline event. Failures
// are logged, never fatal to the chain.
func (e *Engine) recordCall(ctx context.Context, log *model.AICallLog) {
	if _, err := e.repo.InsertCallLog(ctx, *log); err != nil {
		e.logger.Error("Failed to record call log", map[string]interface{}{
			"operation": "escalation_call",
			"trip_id":   log.TripID,
			"error":     err.Error(),
		})
	}

	if err := e.repo.InsertEvent(ctx, model.UnitEvent{
		TripID:      log.TripID,
		Type:        eventForRole(log.Role),
		Description: fmt.Sprintf("Llamada IA (%s) a %s: %s", log.Kind, log.Role, log.Outcome),
		OccurredAt:  log.StartedAt,
	}); err != nil {
		e.logger.Warn("Failed to record call event", map[string]interface{}{
			"operation": "escalation_call",
			"trip_id":   log.TripID,
			"error":     err.Error(),
		})
	}
}

func eventForRole(role model.ContactRole) model.EventType {
	switch {
	case role == model.RoleOperador:
		return model.EventLlamadaIAOperador
	case role.IsCoordinator():
		return model.EventLlamadaIACoordinador
	case role == model.RoleCliente:
		return model.EventLlamadaCliente
	case role == model.RolePropietario:
		return model.EventLlamadaPropietario
	default:
		return model.EventLlamadaIAOperador
	}
}

func contactWithRole(contacts []model.Contact, role model.ContactRole) *model.Contact {
	for i := range contacts {
		if contacts[i].Role == role {
			return &contacts[i]
		}
	}
	return nil
}
