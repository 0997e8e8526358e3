package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/storage"
)

// CallRequest is a platform-neutral outbound call order.
type CallRequest struct {
	Phone        string
	SystemPrompt string
	FirstMessage string
	Language     string
	Metadata     map[string]interface{}
}

// CallResponse is what placing a call yields. In direct mode the call
// runs asynchronously, so a successful creation reports answered with
// outcome atendida and the end-of-call webhook reconciles the record;
// the bridge fallback can answer synchronously with the real result
// and the recipient's summary.
type CallResponse struct {
	ID              string
	Status          string
	Answered        bool
	Outcome         model.CallOutcome
	DurationSeconds int
	Summary         string
}

// Caller places outbound AI voice calls.
type Caller interface {
	PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error)
}

// VapiClient talks to the Vapi API directly.
type VapiClient struct {
	cfg        core.VapiConfig
	httpClient *http.Client
	logger     core.Logger
}

// NewVapiClient builds the direct-mode voice client.
func NewVapiClient(cfg core.VapiConfig, logger core.Logger) (*VapiClient, error) {
	if cfg.PrivateKey == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("%w: vapi private key and phone number id", core.ErrMissingConfiguration)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vapi.ai"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &VapiClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		logger:     logger,
	}, nil
}

// PlaceCall creates an outbound call with a transient assistant built
// from the request's script.
func (v *VapiClient) PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	language := req.Language
	if language == "" {
		language = v.cfg.Language
	}

	assistant := map[string]interface{}{
		"model": map[string]interface{}{
			"provider":    "openai",
			"model":       "gpt-4o",
			"temperature": 0.5,
			"maxTokens":   250,
			"messages": []map[string]interface{}{
				{"role": "system", "content": req.SystemPrompt},
			},
		},
		"voice": map[string]interface{}{
			"provider":        "11labs",
			"voiceId":         v.cfg.VoiceID,
			"model":           v.cfg.VoiceModel,
			"stability":       0.5,
			"similarityBoost": 0.75,
		},
		"transcriber": map[string]interface{}{
			"provider":    "deepgram",
			"model":       "nova-3",
			"language":    language,
			"endpointing": 150,
		},
		"firstMessage":          req.FirstMessage,
		"maxDurationSeconds":    v.cfg.MaxDurationSeconds,
		"silenceTimeoutSeconds": v.cfg.SilenceTimeoutSeconds,
	}

	payload := map[string]interface{}{
		"phoneNumberId": v.cfg.PhoneNumberID,
		"customer":      map[string]interface{}{"number": req.Phone},
		"assistant":     assistant,
	}
	if v.cfg.AssistantID != "" {
		payload["assistantId"] = v.cfg.AssistantID
		// With a stored assistant the script travels as overrides.
		delete(payload, "assistant")
		payload["assistantOverrides"] = assistant
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.cfg.PrivateKey)

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vapi call: %v: %w", err, core.ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read vapi response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("vapi returned %s: %s: %w",
			resp.Status, strings.TrimSpace(string(respBody)), core.ErrTransport)
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse vapi response: %w", err)
	}

	v.logger.Info("Outbound call placed", map[string]interface{}{
		"operation": "vapi_call",
		"call_id":   out.ID,
		"status":    out.Status,
	})
	return &CallResponse{
		ID:       out.ID,
		Status:   out.Status,
		Answered: true,
		Outcome:  model.OutcomeAtendida,
	}, nil
}

// WebhookCaller places calls through the legacy bridge endpoint when
// direct Vapi credentials are not configured.
type WebhookCaller struct {
	gateway *storage.Gateway
	logger  core.Logger
}

// NewWebhookCaller builds the fallback caller over the storage gateway.
func NewWebhookCaller(gateway *storage.Gateway, logger core.Logger) *WebhookCaller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WebhookCaller{gateway: gateway, logger: logger}
}

func (w *WebhookCaller) PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	payload := map[string]interface{}{
		"phone":        req.Phone,
		"prompt":       req.SystemPrompt,
		"firstMessage": req.FirstMessage,
		"language":     req.Language,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	out, err := w.gateway.VapiWebhook(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp := &CallResponse{Status: "queued", Answered: true, Outcome: model.OutcomeAtendida}
	if id, ok := out["id"].(string); ok {
		resp.ID = id
	} else if id, ok := out["callId"].(string); ok {
		resp.ID = id
	}
	if status, ok := out["status"].(string); ok {
		resp.Status = status
	}
	// The bridge may resolve the call synchronously and report the
	// real result alongside the acknowledgment.
	if answered, ok := out["answered"].(bool); ok {
		resp.Answered = answered
		if !answered {
			resp.Outcome = model.OutcomeNoAtendida
		}
	}
	if outcome, ok := out["outcome"].(string); ok && outcome != "" {
		resp.Outcome = model.CallOutcome(outcome)
	}
	if duration, ok := out["durationSeconds"].(float64); ok {
		resp.DurationSeconds = int(duration)
	}
	if summary, ok := out["summary"].(string); ok {
		resp.Summary = summary
	}
	return resp, nil
}
