package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/model"
	"github.com/fleetwatch/fleetwatch/storage"
)

func vapiConfig(url string) core.VapiConfig {
	return core.VapiConfig{
		PrivateKey:            "pk-test",
		PhoneNumberID:         "pn-1",
		BaseURL:               url,
		VoiceID:               "voice-1",
		VoiceModel:            "eleven_multilingual_v2",
		Language:              "es",
		CallTimeout:           5 * time.Second,
		MaxDurationSeconds:    120,
		SilenceTimeoutSeconds: 30,
	}
}

func TestVapiPlaceCallPayload(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"call-1","status":"queued"}`)
	}))
	defer srv.Close()

	client, err := NewVapiClient(vapiConfig(srv.URL), &core.NoOpLogger{})
	require.NoError(t, err)

	resp, err := client.PlaceCall(context.Background(), CallRequest{
		Phone:        "+523312345678",
		SystemPrompt: "script",
		FirstMessage: "hola",
		Metadata:     map[string]interface{}{"trip_id": int64(9)},
	})
	require.NoError(t, err)
	assert.Equal(t, "call-1", resp.ID)
	// Creation success is optimistic until the webhook reconciles.
	assert.True(t, resp.Answered)
	assert.Equal(t, model.OutcomeAtendida, resp.Outcome)
	assert.Equal(t, "Bearer pk-test", auth)

	assert.Equal(t, "pn-1", got["phoneNumberId"])
	customer := got["customer"].(map[string]interface{})
	assert.Equal(t, "+523312345678", customer["number"])

	assistant := got["assistant"].(map[string]interface{})
	modelCfg := assistant["model"].(map[string]interface{})
	assert.Equal(t, "openai", modelCfg["provider"])
	assert.Equal(t, 0.5, modelCfg["temperature"])
	assert.Equal(t, float64(250), modelCfg["maxTokens"])

	voice := assistant["voice"].(map[string]interface{})
	assert.Equal(t, "11labs", voice["provider"])
	assert.Equal(t, 0.5, voice["stability"])
	assert.Equal(t, 0.75, voice["similarityBoost"])

	transcriber := assistant["transcriber"].(map[string]interface{})
	assert.Equal(t, "deepgram", transcriber["provider"])
	assert.Equal(t, "nova-3", transcriber["model"])
	assert.Equal(t, "es", transcriber["language"])
	assert.Equal(t, float64(150), transcriber["endpointing"])

	assert.Equal(t, "hola", assistant["firstMessage"])
	assert.Equal(t, float64(120), assistant["maxDurationSeconds"])
}

func TestVapiStoredAssistantUsesOverrides(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"call-1","status":"queued"}`)
	}))
	defer srv.Close()

	cfg := vapiConfig(srv.URL)
	cfg.AssistantID = "asst-1"
	client, err := NewVapiClient(cfg, nil)
	require.NoError(t, err)

	_, err = client.PlaceCall(context.Background(), CallRequest{Phone: "+523312345678"})
	require.NoError(t, err)

	assert.Equal(t, "asst-1", got["assistantId"])
	assert.NotContains(t, got, "assistant")
	assert.Contains(t, got, "assistantOverrides")
}

func TestVapiErrorSurfacesAsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"invalid number"}`)
	}))
	defer srv.Close()

	client, err := NewVapiClient(vapiConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.PlaceCall(context.Background(), CallRequest{Phone: "+52123"})
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestVapiMissingCredentials(t *testing.T) {
	_, err := NewVapiClient(core.VapiConfig{}, nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestWebhookCallerFallback(t *testing.T) {
	var path string
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"callId":"wh-1","status":"queued"}`)
	}))
	defer srv.Close()

	gw, err := storage.NewGateway(core.BridgeConfig{
		BaseURL:         srv.URL,
		MutationTimeout: 5 * time.Second,
		WebhookTimeout:  5 * time.Second,
		QueryTimeout:    5 * time.Second,
		LLMTimeout:      5 * time.Second,
	}, nil, nil)
	require.NoError(t, err)

	caller := NewWebhookCaller(gw, nil)
	resp, err := caller.PlaceCall(context.Background(), CallRequest{
		Phone:        "+523312345678",
		SystemPrompt: "script",
		Language:     "es",
	})
	require.NoError(t, err)
	assert.Equal(t, "/vapi-webhook", path)
	assert.Equal(t, "wh-1", resp.ID)
	assert.True(t, resp.Answered)
	assert.Equal(t, "+523312345678", got["phone"])
}

func TestWebhookCallerSynchronousResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		fmt.Fprint(w, `{"callId":"wh-2","status":"completed","answered":true,"outcome":"atendida","durationSeconds":42,"summary":"El operador confirmó una falla mecánica."}`)
	}))
	defer srv.Close()

	gw, err := storage.NewGateway(core.BridgeConfig{
		BaseURL:         srv.URL,
		MutationTimeout: 5 * time.Second,
		WebhookTimeout:  5 * time.Second,
		QueryTimeout:    5 * time.Second,
		LLMTimeout:      5 * time.Second,
	}, nil, nil)
	require.NoError(t, err)

	caller := NewWebhookCaller(gw, nil)
	resp, err := caller.PlaceCall(context.Background(), CallRequest{Phone: "+523312345678"})
	require.NoError(t, err)
	assert.True(t, resp.Answered)
	assert.Equal(t, model.OutcomeAtendida, resp.Outcome)
	assert.Equal(t, 42, resp.DurationSeconds)
	assert.Equal(t, "El operador confirmó una falla mecánica.", resp.Summary)
}

func TestWebhookCallerUnansweredResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		fmt.Fprint(w, `{"callId":"wh-3","answered":false}`)
	}))
	defer srv.Close()

	gw, err := storage.NewGateway(core.BridgeConfig{
		BaseURL:         srv.URL,
		MutationTimeout: 5 * time.Second,
		WebhookTimeout:  5 * time.Second,
		QueryTimeout:    5 * time.Second,
		LLMTimeout:      5 * time.Second,
	}, nil, nil)
	require.NoError(t, err)

	caller := NewWebhookCaller(gw, nil)
	resp, err := caller.PlaceCall(context.Background(), CallRequest{Phone: "+523312345678"})
	require.NoError(t, err)
	assert.False(t, resp.Answered)
	assert.Equal(t, model.OutcomeNoAtendida, resp.Outcome)
}

func TestBuildSystemPromptSpanish(t *testing.T) {
	trip := &model.Trip{ID: 9, UnitID: "U-1", Placas: "ABC-123", Operator: "Juan", Origin: "GDL", Destination: "MTY"}
	prompt := BuildSystemPrompt(PromptInput{
		Trip:         trip,
		Kind:         model.CallParo,
		Language:     "es",
		Motive:       "La unidad lleva 45 minutos sin moverse.",
		Location:     "20.60814, -103.49088",
		Instructions: "Confirmar número de caja.",
	})

	assert.Contains(t, prompt, "ABC-123")
	assert.Contains(t, prompt, "Juan")
	assert.Contains(t, prompt, "GDL")
	assert.Contains(t, prompt, "detenida")
	assert.Contains(t, prompt, "45 minutos")
	assert.Contains(t, prompt, "20.60814")
	assert.Contains(t, prompt, "No leas las coordenadas exactas en voz alta")
	assert.Contains(t, prompt, "se está activando el apoyo de inmediato")
	assert.Contains(t, prompt, "español mexicano")
	assert.Contains(t, prompt, "Confirmar número de caja.")
}

func TestBuildSystemPromptEnglish(t *testing.T) {
	trip := &model.Trip{ID: 9, UnitID: "U-1"}
	prompt := BuildSystemPrompt(PromptInput{Trip: trip, Kind: model.CallVerificacion, Language: "en"})
	assert.Contains(t, prompt, "status verification")
	assert.Contains(t, prompt, "U-1")
	assert.Contains(t, prompt, "Do not read the exact coordinates aloud")
	assert.Contains(t, prompt, "support is being engaged immediately")
}

func TestBuildFirstMessage(t *testing.T) {
	trip := &model.Trip{ID: 9, UnitID: "U-1", Placas: "ABC-123"}

	es := BuildFirstMessage(PromptInput{Trip: trip, ContactName: "Ana", Language: "es"})
	assert.Contains(t, es, "Ana")
	assert.Contains(t, es, "ABC-123")

	en := BuildFirstMessage(PromptInput{Trip: trip, Language: "en"})
	assert.Contains(t, en, "Hello")
}
