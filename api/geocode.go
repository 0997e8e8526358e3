package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
)

const geocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// Geocoder turns coordinates into a human-readable address for call
// scripts and reports. Without an API key every lookup returns the
// bare coordinate string.
type Geocoder struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// NewGeocoder builds the reverse-geocoding helper.
func NewGeocoder(cfg core.MapsConfig, logger core.Logger) *Geocoder {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Geocoder{
		apiKey:     cfg.APIKey,
		baseURL:    geocodeURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Describe returns a formatted address for the position, falling back
// to "lat, lng" when the lookup is unavailable or fails.
func (g *Geocoder) Describe(ctx context.Context, lat, lng float64) string {
	fallback := fmt.Sprintf("%.5f, %.5f", lat, lng)
	if g == nil || g.apiKey == "" {
		return fallback
	}

	params := url.Values{}
	params.Set("latlng", fmt.Sprintf("%f,%f", lat, lng))
	params.Set("key", g.apiKey)
	params.Set("language", "es")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fallback
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Warn("Reverse geocoding failed", map[string]interface{}{
			"operation": "geocode",
			"error":     err.Error(),
		})
		return fallback
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Status  string `json:"status"`
		Results []struct {
			FormattedAddress string `json:"formatted_address"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fallback
	}
	if out.Status != "OK" || len(out.Results) == 0 {
		return fallback
	}
	return out.Results[0].FormattedAddress
}
