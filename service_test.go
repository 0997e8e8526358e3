package fleetwatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/escalation"
)

func testConfig(bridgeURL string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Bridge.BaseURL = bridgeURL
	return cfg
}

func newBridge(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewAssemblesPipeline(t *testing.T) {
	bridge := newBridge(t)
	svc, err := New(context.Background(), testConfig(bridge.URL))
	require.NoError(t, err)

	assert.NotNil(t, svc.Gateway)
	assert.NotNil(t, svc.Repository)
	assert.NotNil(t, svc.Fetcher)
	assert.NotNil(t, svc.Coordinator)
	assert.NotNil(t, svc.Detector)
	assert.NotNil(t, svc.Engine)
	assert.NotNil(t, svc.Scheduler)
	assert.NotNil(t, svc.API)
	assert.NotNil(t, svc.State)

	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestNewRejectsMissingBridgeURL(t *testing.T) {
	cfg := core.DefaultConfig()
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestNewRejectsUnknownStateProvider(t *testing.T) {
	bridge := newBridge(t)
	cfg := testConfig(bridge.URL)
	cfg.State.Provider = "etcd"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestBuildCallerPrefersDirectMode(t *testing.T) {
	bridge := newBridge(t)

	cfg := testConfig(bridge.URL)
	cfg.Vapi.PrivateKey = "pk"
	cfg.Vapi.PhoneNumberID = "pn"
	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, svc.Config.DirectCallMode())

	cfg = testConfig(bridge.URL)
	svc, err = New(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, svc.Config.DirectCallMode())
}

type flakyCaller struct {
	failures int32
}

func (c *flakyCaller) PlaceCall(ctx context.Context, req escalation.CallRequest) (*escalation.CallResponse, error) {
	if atomic.AddInt32(&c.failures, -1) >= 0 {
		return nil, fmt.Errorf("vendor unavailable: %w", core.ErrTransport)
	}
	return &escalation.CallResponse{ID: "call-1", Status: "queued"}, nil
}

func TestResilientCallerRetriesTransientFailures(t *testing.T) {
	inner := &flakyCaller{failures: 2}
	caller := &resilientCaller{
		inner: inner,
		retry: core.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
		},
		logger: &core.NoOpLogger{},
	}

	resp, err := caller.PlaceCall(context.Background(), escalation.CallRequest{Phone: "+523311111111"})
	require.NoError(t, err)
	assert.Equal(t, "call-1", resp.ID)
}

func TestResilientCallerGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyCaller{failures: 10}
	caller := &resilientCaller{
		inner: inner,
		retry: core.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
		},
		logger: &core.NoOpLogger{},
	}

	_, err := caller.PlaceCall(context.Background(), escalation.CallRequest{Phone: "+523311111111"})
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}
