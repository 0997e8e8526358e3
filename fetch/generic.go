package fetch

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fleetwatch/fleetwatch/geo"
)

const (
	// Inline scripts outside this size band are boilerplate or bundles.
	minScriptLen = 20
	maxScriptLen = 100000

	// Cap on raw-HTML text detection for pages with no usable scripts.
	maxHTMLScan = 200000
)

// fetchGPSWOX reads a GPSWOX share page. These pages embed the position
// as a Google Maps link and usually repeat it in inline script state.
func (c *Client) fetchGPSWOX(ctx context.Context, providerURL string) (*Result, error) {
	session := c.newSession()
	body, err := c.get(ctx, session, providerURL)
	if err != nil {
		return nil, err
	}

	var points []geo.Point
	var sources []string

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		if linked := mapsLinkPoints(doc); len(linked) > 0 {
			tagPoints(linked, "http_gpswox_link")
			points = append(points, linked...)
			sources = append(sources, "http_gpswox_link")
		}
	}

	if textual := geo.DetectText(string(body)); len(textual) > 0 {
		tagPoints(textual, "http_gpswox_html")
		points = append(points, textual...)
		sources = append(sources, "http_gpswox_html")
	}

	return &Result{Points: geo.Dedup(points), Sources: sources}, nil
}

// fetchGeneric is the last-resort strategy for unknown portals: map
// links first, then inline scripts, then the raw page text.
func (c *Client) fetchGeneric(ctx context.Context, providerURL string) (*Result, error) {
	session := c.newSession()
	body, err := c.get(ctx, session, providerURL)
	if err != nil {
		return nil, err
	}

	var points []geo.Point
	var sources []string

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if docErr == nil {
		if linked := mapsLinkPoints(doc); len(linked) > 0 {
			tagPoints(linked, "http_generic_link")
			points = append(points, linked...)
			sources = append(sources, "http_generic_link")
		}

		var scriptPoints []geo.Point
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			text := s.Text()
			if len(text) < minScriptLen || len(text) > maxScriptLen {
				return
			}
			scriptPoints = append(scriptPoints, geo.DetectText(text)...)
		})
		if len(scriptPoints) > 0 {
			tagPoints(scriptPoints, "http_generic_script")
			points = append(points, scriptPoints...)
			sources = append(sources, "http_generic_script")
		}
	}

	if len(points) == 0 {
		html := string(body)
		if len(html) > maxHTMLScan {
			html = html[:maxHTMLScan]
		}
		if textual := geo.DetectText(html); len(textual) > 0 {
			tagPoints(textual, "http_generic_html")
			points = append(points, textual...)
			sources = append(sources, "http_generic_html")
		}
	}

	return &Result{Points: geo.Dedup(points), Sources: sources}, nil
}

// mapsLinkPoints extracts coordinates from Google Maps anchors, the
// most reliable signal share pages offer.
func mapsLinkPoints(doc *goquery.Document) []geo.Point {
	var points []geo.Point
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !strings.Contains(href, "google.com/maps") && !strings.Contains(href, "maps.google.com") {
			return
		}
		if p, ok := pointFromMapsLink(href); ok {
			points = append(points, p)
		}
	})
	return points
}

// pointFromMapsLink parses q=lat,lng and /maps?q= style links.
func pointFromMapsLink(href string) (geo.Point, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return geo.Point{}, false
	}

	q := u.Query().Get("q")
	if q == "" {
		// @lat,lng,zoom path style
		if i := strings.Index(u.Path, "@"); i >= 0 {
			q = u.Path[i+1:]
		}
	}
	parts := strings.Split(q, ",")
	if len(parts) < 2 {
		return geo.Point{}, false
	}

	lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLat != nil || errLng != nil || !geo.Valid(lat, lng) {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}
