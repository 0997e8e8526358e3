package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/core"
)

func bridgeConfig(url string) core.BridgeConfig {
	return core.BridgeConfig{
		BaseURL:         url,
		Username:        "svc",
		Password:        "secret",
		QueryTimeout:    5 * time.Second,
		MutationTimeout: 5 * time.Second,
		LLMTimeout:      5 * time.Second,
		WebhookTimeout:  5 * time.Second,
		TokenLifetime:   8 * time.Hour,
		RefreshSkew:     5 * time.Minute,
	}
}

// testBridge is a minimal bridge stand-in tracking logins and serving
// canned responses per path.
type testBridge struct {
	mu       sync.Mutex
	logins   int32
	requests []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (b *testBridge) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
	b.mu.Unlock()

	if r.URL.Path == "/auth/login" {
		atomic.AddInt32(&b.logins, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":"tok-%d"}`, atomic.LoadInt32(&b.logins))
		return
	}
	if b.handler != nil {
		b.handler(w, r)
		return
	}
	fmt.Fprint(w, `{"success":true}`)
}

func newTestGateway(t *testing.T, bridge *testBridge) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(bridge.serve))
	t.Cleanup(srv.Close)

	g, err := NewGateway(bridgeConfig(srv.URL), &core.NoOpLogger{}, nil)
	require.NoError(t, err)
	return g, srv
}

func TestGatewayLoginShapes(t *testing.T) {
	cases := map[string]string{
		"lower": `{"token":"abc"}`,
		"upper": `{"Token":"abc"}`,
		"bare":  `"abc"`,
		"raw":   `abc`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := decodeTokenResponse([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, "abc", token)
		})
	}
}

func TestGatewayLoginMissingToken(t *testing.T) {
	_, err := decodeTokenResponse([]byte(`{"status":"ok"}`))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestGatewaySingleLoginForConcurrentCallers(t *testing.T) {
	bridge := &testBridge{}
	g, _ := newTestGateway(t, bridge)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.EnsureAuthenticated(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&bridge.logins))
}

func TestGatewayTokenReusedWhileFresh(t *testing.T) {
	bridge := &testBridge{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}
	g, _ := newTestGateway(t, bridge)

	for i := 0; i < 3; i++ {
		_, err := g.Query(context.Background(), "SELECT 1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&bridge.logins))
}

func TestGatewayRefreshOn401ThenRetry(t *testing.T) {
	bridge := &testBridge{}
	var queries int32
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&queries, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[{"n":1}]`)
	}
	g, _ := newTestGateway(t, bridge)

	rows, err := g.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Initial login, then one refresh triggered by the 401.
	assert.Equal(t, int32(2), atomic.LoadInt32(&bridge.logins))
	assert.Equal(t, int32(2), atomic.LoadInt32(&queries))
}

func TestGatewayPersistent401Surfaces(t *testing.T) {
	bridge := &testBridge{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestGatewayJWTExpiryDecoded(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Unix()
	claims, _ := json.Marshal(map[string]interface{}{"exp": exp})
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(claims)
	token := header + "." + payload + ".sig"

	g, err := NewGateway(bridgeConfig("http://bridge.local"), nil, nil)
	require.NoError(t, err)

	decoded := g.decodeExpiry(token)
	assert.WithinDuration(t, time.Unix(exp, 0), decoded, time.Second)
}

func TestGatewayOpaqueTokenGetsConfiguredLifetime(t *testing.T) {
	g, err := NewGateway(bridgeConfig("http://bridge.local"), nil, nil)
	require.NoError(t, err)

	decoded := g.decodeExpiry("not-a-jwt")
	assert.WithinDuration(t, time.Now().Add(8*time.Hour), decoded, time.Minute)
}

func TestGatewayBearerHeaderSent(t *testing.T) {
	bridge := &testBridge{}
	var auth string
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", auth)
}

func TestGatewayQueryBindsParams(t *testing.T) {
	bridge := &testBridge{}
	var got map[string]interface{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `[]`)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Query(context.Background(), "SELECT * FROM t WHERE id = ?", int64(7))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE id = ?", got["query"])
	assert.Equal(t, []interface{}{float64(7)}, got["params"])
}

func TestGatewayInsertConflict(t *testing.T) {
	bridge := &testBridge{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"duplicate key value violates unique constraint"}`)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Insert(context.Background(), "coordenadas", map[string]interface{}{"lat": 1.5})
	assert.True(t, core.IsConflict(err))
}

func TestGatewayRemoveNotFound(t *testing.T) {
	bridge := &testBridge{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Remove(context.Background(), "viajes", 99)
	assert.True(t, core.IsNotFound(err))
}

func TestGatewayInsertManyPartialFailure(t *testing.T) {
	bridge := &testBridge{}
	var n int32
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 2 {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `duplicate key`)
			return
		}
		fmt.Fprintf(w, `{"success":true,"id":%d}`, atomic.LoadInt32(&n))
	}
	g, _ := newTestGateway(t, bridge)

	results := g.InsertMany(context.Background(), "coordenadas", []map[string]interface{}{
		{"lat": 1.0}, {"lat": 2.0}, {"lat": 3.0},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, core.IsConflict(results[1].Err))
	assert.True(t, results[2].Success)
}

func TestGatewayServerErrorIsTransport(t *testing.T) {
	bridge := &testBridge{}
	bridge.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}
	g, _ := newTestGateway(t, bridge)

	_, err := g.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.True(t, core.IsRetryable(err))
}

func TestGatewayMissingBaseURL(t *testing.T) {
	_, err := NewGateway(core.BridgeConfig{}, nil, nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}
