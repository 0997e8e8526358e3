package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/model"
)

// vapiMessage is the webhook envelope. Vapi nests everything under
// "message"; only the fields the reconciliation needs are mapped.
type vapiMessage struct {
	Message struct {
		Type string `json:"type"`
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		EndedReason     string  `json:"endedReason"`
		Summary         string  `json:"summary"`
		Transcript      string  `json:"transcript"`
		DurationSeconds float64 `json:"durationSeconds"`
	} `json:"message"`
}

// handleVapiWebhook ingests the vendor's call lifecycle events. The
// end-of-call report reconciles the optimistic outcome recorded when
// the call was placed.
func (s *Server) handleVapiWebhook(w http.ResponseWriter, r *http.Request) {
	var msg vapiMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	switch msg.Message.Type {
	case "end-of-call-report":
		s.reconcileCall(w, r, &msg)
	case "assistant-request":
		// Direct mode ships the assistant with the call; nothing to serve.
		s.writeJSON(w, http.StatusOK, envelope{Success: true})
	case "status-update", "transcript", "speech-update":
		s.logger.Debug("Call lifecycle update", map[string]interface{}{
			"operation": "vapi_webhook",
			"type":      msg.Message.Type,
			"call_id":   msg.Message.Call.ID,
		})
		s.writeJSON(w, http.StatusOK, envelope{Success: true})
	default:
		s.logger.Warn("Unknown webhook message type", map[string]interface{}{
			"operation": "vapi_webhook",
			"type":      msg.Message.Type,
		})
		s.writeJSON(w, http.StatusOK, envelope{Success: true})
	}
}

func (s *Server) reconcileCall(w http.ResponseWriter, r *http.Request, msg *vapiMessage) {
	callID := msg.Message.Call.ID
	if callID == "" {
		s.writeError(w, http.StatusBadRequest, core.ErrInvalidConfiguration)
		return
	}

	log, err := s.repo.CallLogByExternalID(r.Context(), callID)
	if err != nil {
		if core.IsNotFound(err) {
			s.logger.Warn("End-of-call report for unknown call", map[string]interface{}{
				"operation": "vapi_webhook",
				"call_id":   callID,
			})
			s.writeJSON(w, http.StatusOK, envelope{Success: true})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	outcome := outcomeFromEndedReason(msg.Message.EndedReason)
	fields := map[string]interface{}{
		"resultado":         string(outcome),
		"fin":               time.Now().UTC().Format(time.RFC3339),
		"duracion_segundos": int(msg.Message.DurationSeconds),
	}
	if msg.Message.Summary != "" {
		fields["resumen"] = msg.Message.Summary
	}

	if err := s.repo.UpdateCallLog(r.Context(), log.ID, fields); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	logFields := map[string]interface{}{
		"operation": "vapi_webhook",
		"call_id":   callID,
		"outcome":   string(outcome),
	}
	data := map[string]string{"call_id": callID, "outcome": string(outcome)}
	if log.Lat != nil && log.Lng != nil {
		// Resolves to the raw coordinates when no maps key is set.
		addr := s.geocoder.Describe(r.Context(), *log.Lat, *log.Lng)
		logFields["location"] = addr
		data["location"] = addr
	}

	s.logger.Info("Call outcome reconciled", logFields)
	s.writeData(w, data)
}

// outcomeFromEndedReason maps the vendor's ended reasons onto the
// stored outcome values. Unknown reasons stay optimistic.
func outcomeFromEndedReason(reason string) model.CallOutcome {
	switch reason {
	case "customer-ended-call", "assistant-ended-call", "assistant-said-end-call-phrase", "exceeded-max-duration":
		return model.OutcomeAtendida
	case "voicemail":
		return model.OutcomeBuzon
	case "customer-did-not-answer", "customer-busy", "no-answer", "twilio-failed-to-connect-call":
		return model.OutcomeNoAtendida
	case "":
		return model.OutcomeAtendida
	default:
		return model.OutcomeError
	}
}
