package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/resilience"
)

func testClient() *Client {
	return NewClient(core.FetchConfig{
		Timeout:        5 * time.Second,
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0",
		AcceptLanguage: "es-MX,es;q=0.9,en;q=0.8",
	}, &core.NoOpLogger{}, nil)
}

func TestDetectPlatform(t *testing.T) {
	cases := map[string]Platform{
		"http://www.micodus.net/share?access_token=abc": PlatformMicodus,
		"https://portal.gpswox.com/share/123":           PlatformGPSWOX,
		"https://traccar.example.com/track":             PlatformTraccar,
		"https://tracking.example.com/unit/9":           PlatformGeneric,
	}
	for url, want := range cases {
		assert.Equal(t, want, DetectPlatform(url), url)
	}
}

func TestFetchEmptyURL(t *testing.T) {
	_, err := testClient().Fetch(context.Background(), "  ")
	assert.ErrorIs(t, err, core.ErrProviderNoURL)
}

func TestMicodusShareFlow(t *testing.T) {
	var gotCookie, gotToken string

	mux := http.NewServeMux()
	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-1"})
		fmt.Fprint(w, "<html><body>loading…</body></html>")
	})
	mux.HandleFunc(asmxPath, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("ASP.NET_SessionId"); err == nil {
			gotCookie = c.Value
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotToken = body["access_token"]

		// Double-encoded ASMX payload.
		inner, _ := json.Marshal(map[string]interface{}{
			"devices": []map[string]interface{}{{
				"name":         "unit-1",
				"lat":          "20.60814",
				"lng":          "-103.49088",
				"speed":        "0.00",
				"course":       "90",
				"isStop":       "1",
				"battery":      "92",
				"signal":       "4",
				"satellites":   "10",
				"positionTime": "2026-08-24 15:00:00",
			}},
		})
		_ = json.NewEncoder(w).Encode(map[string]string{"d": string(inner)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Host does not contain "micodus", so drive the strategy directly.
	result, err := testClient().fetchPlatform(context.Background(), PlatformMicodus, srv.URL+"/share?access_token=tok-123")
	require.NoError(t, err)
	require.Len(t, result.Points, 1)

	p := result.Points[0]
	assert.InDelta(t, 20.60814, p.Lat, 1e-9)
	assert.InDelta(t, -103.49088, p.Lng, 1e-9)
	require.NotNil(t, p.Heading)
	assert.Equal(t, 90.0, *p.Heading)
	require.NotNil(t, p.IsStop)
	assert.True(t, *p.IsStop)
	require.NotNil(t, p.Battery)
	assert.Equal(t, 92.0, *p.Battery)
	require.NotNil(t, p.Signal)
	assert.Equal(t, 4.0, *p.Signal)
	require.NotNil(t, p.Satellites)
	assert.Equal(t, 10, *p.Satellites)
	assert.Equal(t, "2026-08-24 15:00:00", p.Timestamp)
	assert.Equal(t, "http_micodus", p.Source)

	assert.Equal(t, "sess-1", gotCookie)
	assert.Equal(t, "tok-123", gotToken)
	assert.Equal(t, []string{"http_micodus"}, result.Sources)
}

func TestMicodusBodyVariants(t *testing.T) {
	var attempts int
	mux := http.NewServeMux()
	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc(asmxPath, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		// This portal version rejects the extra "s" member.
		if body["s"] != "" || body["access_token"] == "" {
			fmt.Fprint(w, `{"d":null}`)
			return
		}
		fmt.Fprint(w, `{"d":{"lat":20.5,"lng":-103.4}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Host does not contain "micodus", so drive the strategy directly.
	result, err := testClient().fetchPlatform(context.Background(), PlatformMicodus, srv.URL+"/share?access_token=tok")
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, 2, attempts)
}

func TestMicodusNoTokenFallsBackToGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>var pos = {"lat":20.5,"lng":-103.4};</script></html>`)
	}))
	defer srv.Close()

	// Host does not contain "micodus", so force the platform by path.
	c := testClient()
	result, err := c.fetchMicodus(context.Background(), srv.URL+"/micodus/share")
	assert.ErrorIs(t, err, core.ErrNoAccessToken)

	result, err = c.fetchGeneric(context.Background(), srv.URL+"/micodus/share")
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "http_generic_script", result.Points[0].Source)
}

func TestMicodusAPIFailureUsesSharePage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>lat: 20.608140, lng: -103.490880</html>`)
	})
	mux.HandleFunc(asmxPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient()
	result, err := c.fetchMicodus(context.Background(), srv.URL+"/share?access_token=tok")
	require.NoError(t, err)
	require.NotEmpty(t, result.Points)
	assert.Equal(t, []string{"http_micodus_page"}, result.Sources)
}

func TestUnwrapASMXShapes(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		data, err := unwrapASMX(map[string]interface{}{"d": map[string]interface{}{"lat": 1.0}})
		require.NoError(t, err)
		assert.IsType(t, map[string]interface{}{}, data)
	})
	t.Run("double encoded", func(t *testing.T) {
		data, err := unwrapASMX(map[string]interface{}{"d": `{"lat":1.0}`})
		require.NoError(t, err)
		m, ok := data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 1.0, m["lat"])
	})
	t.Run("plain string", func(t *testing.T) {
		data, err := unwrapASMX(map[string]interface{}{"d": "20.5,-103.4"})
		require.NoError(t, err)
		assert.Equal(t, "20.5,-103.4", data)
	})
	t.Run("null", func(t *testing.T) {
		_, err := unwrapASMX(map[string]interface{}{"d": nil})
		assert.ErrorIs(t, err, core.ErrUnsupportedPayload)
	})
	t.Run("unwrapped", func(t *testing.T) {
		data, err := unwrapASMX(map[string]interface{}{"lat": 1.0})
		require.NoError(t, err)
		assert.IsType(t, map[string]interface{}{}, data)
	})
}

func TestGenericScriptSizeBand(t *testing.T) {
	big := strings.Repeat("x", maxScriptLen+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html>
<script>a</script>
<script>var state = {"lat":20.5,"lng":-103.4};</script>
<script>%s {"lat":19.4,"lng":-99.1}</script>
</html>`, big)
	}))
	defer srv.Close()

	result, err := testClient().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	// Tiny and oversized scripts are skipped.
	require.Len(t, result.Points, 1)
	assert.InDelta(t, 20.5, result.Points[0].Lat, 1e-9)
}

func TestGenericMapsLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><a href="https://maps.google.com/maps?q=20.60814,-103.49088">ver mapa</a></html>`)
	}))
	defer srv.Close()

	result, err := testClient().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "http_generic_link", result.Points[0].Source)
	assert.Contains(t, result.Sources, "http_generic_link")
}

func TestGenericRawHTMLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><div data-pos="20.608140, -103.490880"></div></html>`)
	}))
	defer srv.Close()

	result, err := testClient().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "http_generic_html", result.Points[0].Source)
}

func TestGPSWOXLinkAndHTMLDeduped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Same fix appears as a maps link and in inline state.
		fmt.Fprint(w, `<html>
<a href="https://maps.google.com/maps?q=20.608140,-103.490880">map</a>
<script>var device = {"lat":20.608140,"lng":-103.490880};</script>
</html>`)
	}))
	defer srv.Close()

	c := testClient()
	result, err := c.fetchGPSWOX(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, result.Points, 1)
	assert.Contains(t, result.Sources, "http_gpswox_link")
}

func TestPointFromMapsLink(t *testing.T) {
	p, ok := pointFromMapsLink("https://www.google.com/maps?q=20.5,-103.4&z=15")
	require.True(t, ok)
	assert.Equal(t, 20.5, p.Lat)

	_, ok = pointFromMapsLink("https://www.google.com/maps?q=somewhere")
	assert.False(t, ok)

	_, ok = pointFromMapsLink("https://maps.google.com/maps?q=0.0,0.0")
	assert.False(t, ok)
}

func TestBrowserHeadersSent(t *testing.T) {
	var ua, lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		lang = r.Header.Get("Accept-Language")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	_, err := testClient().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, ua, "Chrome")
	assert.Contains(t, lang, "es-MX")
}

func TestFetchRetriesTransientPortalFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `<html><a href="https://maps.google.com/maps?q=20.6,-103.4">ver</a></html>`)
	}))
	defer srv.Close()

	c := testClient().WithResilience(core.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
	}, nil)

	result, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchStopsRetryingWhenBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker("portal_fetch", core.CircuitBreakerConfig{
		Enabled:     true,
		Threshold:   1,
		SleepWindow: time.Minute,
	}, &core.NoOpLogger{})
	c := testClient().WithResilience(core.RetryConfig{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
	}, breaker)

	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	// The open breaker is not a retryable condition, so the loop stops
	// after the first rejected attempt.
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}
