package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/geo"
)

// asmxPath is the Micodus share-tracking endpoint, relative to the
// portal host.
const asmxPath = "/ajax/DevicesAjax.asmx/GetTrackingForShareStatic"

// fetchMicodus drives the Micodus share-link protocol: load the share
// page to establish the session cookie, then call the ASMX endpoint
// with the link's access token.
func (c *Client) fetchMicodus(ctx context.Context, providerURL string) (*Result, error) {
	token, err := micodusAccessToken(providerURL)
	if err != nil {
		return nil, err
	}
	base, err := baseOf(providerURL)
	if err != nil {
		return nil, err
	}

	session := c.newSession()

	// The share page sets the ASP.NET session cookie the data call needs.
	pageBody, err := c.get(ctx, session, providerURL)
	if err != nil {
		return nil, err
	}

	points, err := c.micodusTracking(ctx, session, base, providerURL, token)
	if err != nil {
		c.logger.Warn("Micodus API call failed, extracting from share page", map[string]interface{}{
			"operation": "micodus_fetch",
			"error":     err.Error(),
		})
		pagePoints := geo.DetectText(string(pageBody))
		if len(pagePoints) == 0 {
			return nil, err
		}
		tagPoints(pagePoints, "http_micodus_page")
		return &Result{Points: pagePoints, Sources: []string{"http_micodus_page"}}, nil
	}

	tagPoints(points, "http_micodus")
	return &Result{Points: points, Sources: []string{"http_micodus"}}, nil
}

// micodusAccessToken pulls the share token out of the link's query
// string or fragment.
func micodusAccessToken(providerURL string) (string, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return "", fmt.Errorf("unparseable micodus url: %w", core.ErrNoAccessToken)
	}
	if token := u.Query().Get("access_token"); token != "" {
		return token, nil
	}
	// Some links carry the token after the fragment.
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		if token := frag.Get("access_token"); token != "" {
			return token, nil
		}
	}
	return "", core.ErrNoAccessToken
}

// micodusTracking calls the ASMX endpoint, trying the known request
// body shapes in order until one yields positions.
func (c *Client) micodusTracking(ctx context.Context, session *http.Client, base, referer, token string) ([]geo.Point, error) {
	bodies := []map[string]string{
		{"access_token": token, "s": "1"},
		{"access_token": token},
		{},
	}

	var lastErr error
	for _, body := range bodies {
		points, err := c.micodusCall(ctx, session, base, referer, body)
		if err != nil {
			lastErr = err
			continue
		}
		if len(points) > 0 {
			return points, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("micodus returned no positions: %w", core.ErrUnsupportedPayload)
}

func (c *Client) micodusCall(ctx context.Context, session *http.Client, base, referer string, body map[string]string) ([]geo.Point, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal micodus request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+asmxPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create micodus request: %w", err)
	}
	c.browserHeaders(req)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", referer)

	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("micodus tracking call: %v: %w", err, core.ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("micodus tracking returned %s: %w", resp.Status, core.ErrTransport)
	}

	var envelope map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("micodus response is not JSON: %w", core.ErrUnsupportedPayload)
	}

	data, err := unwrapASMX(envelope)
	if err != nil {
		return nil, err
	}
	return geo.DetectValue(data), nil
}

// unwrapASMX extracts the payload from the ASMX {"d": ...} envelope.
// The d member is sometimes a JSON string holding a second layer of
// encoding; that gets parsed too.
func unwrapASMX(envelope map[string]interface{}) (interface{}, error) {
	data, ok := envelope["d"]
	if !ok {
		// Not wrapped at all.
		return envelope, nil
	}
	if s, ok := data.(string); ok {
		var inner interface{}
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			// A plain string payload still goes through text detection.
			return s, nil
		}
		return inner, nil
	}
	if data == nil {
		return nil, fmt.Errorf("micodus envelope has null payload: %w", core.ErrUnsupportedPayload)
	}
	return data, nil
}

func tagPoints(points []geo.Point, source string) {
	for i := range points {
		points[i].Source = source
	}
}
