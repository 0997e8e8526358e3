// Package geo extracts GPS fixes from the arbitrary payloads provider
// portals return: JSON bodies, inline scripts, raw HTML, nested device
// objects. It is pure and never fails; malformed input yields an empty
// result.
package geo

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Point is one extracted fix. The optional fields are enrichment
// attached when a nearby match exists in the same payload; the device
// telemetry slots (IsStop, Battery, Signal, Satellites) come from the
// object walker only, since free text rarely carries them reliably.
type Point struct {
	Lat        float64
	Lng        float64
	Speed      *float64
	Heading    *float64
	IsStop     *bool
	Battery    *float64
	Signal     *float64
	Satellites *int
	Timestamp  string
	Source     string
}

// Key returns the dedup key: 6-decimal rounding of both coordinates.
func (p Point) Key() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Valid applies the shared validity rule, rejecting out-of-range values
// and the null-island sentinel.
func Valid(lat, lng float64) bool {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	if lat > -0.01 && lat < 0.01 && lng > -0.01 && lng < 0.01 {
		return false
	}
	return true
}

var latKeys = map[string]bool{
	"lat": true, "latitude": true, "latitud": true,
	"lastlatitude": true, "flat": true, "y": true,
}

var lngKeys = map[string]bool{
	"lng": true, "lon": true, "long": true, "longitude": true,
	"longitud": true, "flon": true, "flng": true,
	"lastlongitude": true, "x": true,
}

// pairWindow is the maximum character distance between a lat match and
// a lng match in free text for them to be considered one fix.
const pairWindow = 500

// maxWalkDepth bounds the object walker against cyclic or hostile input.
const maxWalkDepth = 10

var (
	keyedRe = regexp.MustCompile(`(?i)["']?([A-Za-z_]{1,20})["']?\s*[:=]\s*["']?(-?\d{1,3}(?:\.\d+)?)["']?`)
	pairRe  = regexp.MustCompile(`(-?\d{1,3}\.\d{2,})\s*[,|\s]\s*(-?\d{1,3}\.\d{2,})`)
	dmsRe   = regexp.MustCompile(`(\d{1,3})[°º]\s*(\d{1,2})['′]\s*(\d{1,2}(?:\.\d+)?)["″]?\s*([NSEWnsew])`)

	speedRe   = regexp.MustCompile(`(?i)["']?(speed|velocidad|vel)["']?\s*[:=]\s*["']?(-?\d+(?:\.\d+)?)`)
	headingRe = regexp.MustCompile(`(?i)["']?(heading|course|bearing|rumbo)["']?\s*[:=]\s*["']?(-?\d+(?:\.\d+)?)`)
	timeRe    = regexp.MustCompile(`(?i)["']?(timestamp|time|fecha_gps|fecha|dateTime|DeviceTime|GPSTime)["']?\s*[:=]\s*["']([^"']{4,40})["']`)
)

// DetectText extracts fixes from free text, applying the keyed-match,
// number-pair and DMS strategies in order and unioning the results.
// The dedup key is the 6-decimal rounding of the pair; first occurrence
// wins and order is preserved.
func DetectText(text string) []Point {
	if text == "" {
		return nil
	}

	var out []Point
	seen := make(map[string]bool)

	emit := func(p Point) {
		if !Valid(p.Lat, p.Lng) {
			return
		}
		k := p.Key()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, p)
	}

	for _, p := range detectKeyedText(text) {
		emit(p)
	}
	for _, p := range detectNumberPairs(text) {
		emit(p)
	}
	for _, p := range detectDMS(text) {
		emit(p)
	}

	return out
}

type keyedMatch struct {
	pos   int
	value float64
}

// detectKeyedText pairs lat-named numbers with lng-named numbers by
// nearest positional index within the pair window.
func detectKeyedText(text string) []Point {
	var lats, lngs []keyedMatch

	for _, m := range keyedRe.FindAllStringSubmatchIndex(text, -1) {
		key := strings.ToLower(text[m[2]:m[3]])
		raw := text[m[4]:m[5]]
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch {
		case latKeys[key]:
			lats = append(lats, keyedMatch{pos: m[0], value: v})
		case lngKeys[key]:
			lngs = append(lngs, keyedMatch{pos: m[0], value: v})
		}
	}

	usedLng := make(map[int]bool)
	var points []Point
	for _, la := range lats {
		best := -1
		bestDist := pairWindow + 1
		for i, lo := range lngs {
			if usedLng[i] {
				continue
			}
			dist := la.pos - lo.pos
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist {
				bestDist = dist
				best = i
			}
		}
		if best < 0 {
			continue
		}
		usedLng[best] = true
		p := Point{Lat: la.value, Lng: lngs[best].value, Source: "keyed"}
		enrichFromText(&p, text, la.pos)
		points = append(points, p)
	}
	return points
}

// detectNumberPairs scans for two-decimal-or-better number pairs
// separated by comma, whitespace or pipe. When first-as-lat fails
// validity but first-as-lng passes, the pair is swapped.
func detectNumberPairs(text string) []Point {
	var points []Point
	for _, m := range pairRe.FindAllStringSubmatchIndex(text, -1) {
		a, errA := strconv.ParseFloat(text[m[2]:m[3]], 64)
		b, errB := strconv.ParseFloat(text[m[4]:m[5]], 64)
		if errA != nil || errB != nil {
			continue
		}

		var p Point
		switch {
		case Valid(a, b):
			p = Point{Lat: a, Lng: b, Source: "pair"}
		case Valid(b, a):
			p = Point{Lat: b, Lng: a, Source: "pair"}
		default:
			continue
		}
		enrichFromText(&p, text, m[0])
		points = append(points, p)
	}
	return points
}

// detectDMS converts degrees-minutes-seconds with directional suffix to
// signed decimal, pairing N/S with E/W in order of occurrence.
func detectDMS(text string) []Point {
	var lats, lngs []float64
	for _, m := range dmsRe.FindAllStringSubmatch(text, -1) {
		deg, _ := strconv.ParseFloat(m[1], 64)
		min, _ := strconv.ParseFloat(m[2], 64)
		sec, _ := strconv.ParseFloat(m[3], 64)
		dec := deg + min/60 + sec/3600

		switch strings.ToUpper(m[4]) {
		case "S":
			lats = append(lats, -dec)
		case "N":
			lats = append(lats, dec)
		case "W":
			lngs = append(lngs, -dec)
		case "E":
			lngs = append(lngs, dec)
		}
	}

	n := len(lats)
	if len(lngs) < n {
		n = len(lngs)
	}
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, Point{Lat: lats[i], Lng: lngs[i], Source: "dms"})
	}
	return points
}

func enrichFromText(p *Point, text string, anchor int) {
	if m := nearestMatch(speedRe, text, anchor); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			p.Speed = &v
		}
	}
	if m := nearestMatch(headingRe, text, anchor); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			p.Heading = &v
		}
	}
	if m := nearestMatch(timeRe, text, anchor); m != "" {
		p.Timestamp = m
	}
}

func nearestMatch(re *regexp.Regexp, text string, anchor int) string {
	best := ""
	bestDist := -1
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		dist := m[0] - anchor
		if dist < 0 {
			dist = -dist
		}
		if dist > pairWindow {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = text[m[4]:m[5]]
		}
	}
	return best
}

// DetectValue extracts fixes from an already-parsed structure (maps,
// slices, scalars from encoding/json). The traversal is iterative with
// a depth cap and a visited set; it applies the keyed strategy on map
// levels and the two-element-array strategy on slices.
func DetectValue(v interface{}) []Point {
	var out []Point
	seen := make(map[string]bool)

	emit := func(p Point) {
		if !Valid(p.Lat, p.Lng) {
			return
		}
		k := p.Key()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, p)
	}

	type frame struct {
		value interface{}
		depth int
	}
	stack := []frame{{value: v, depth: 0}}
	visited := make(map[uintptr]bool)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth > maxWalkDepth {
			continue
		}

		switch node := f.value.(type) {
		case map[string]interface{}:
			if id := reflect.ValueOf(node).Pointer(); visited[id] {
				continue
			} else {
				visited[id] = true
			}
			if p, ok := pointFromMap(node); ok {
				emit(p)
			}
			for _, child := range node {
				stack = append(stack, frame{value: child, depth: f.depth + 1})
			}
		case []interface{}:
			if p, ok := pointFromArray(node); ok {
				emit(p)
			}
			for _, child := range node {
				stack = append(stack, frame{value: child, depth: f.depth + 1})
			}
		case string:
			for _, p := range DetectText(node) {
				emit(p)
			}
		}
	}

	return out
}

// pointFromMap applies the keyed strategy to one map level and attaches
// enrichment drawn from the same level.
func pointFromMap(m map[string]interface{}) (Point, bool) {
	var lat, lng *float64
	for k, v := range m {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		switch {
		case latKeys[lk] && lat == nil:
			val := f
			lat = &val
		case lngKeys[lk] && lng == nil:
			val := f
			lng = &val
		}
	}
	if lat == nil || lng == nil {
		return Point{}, false
	}

	p := Point{Lat: *lat, Lng: *lng, Source: "object"}
	for k, v := range m {
		switch strings.ToLower(k) {
		case "speed", "velocidad", "vel":
			if f, ok := toFloat(v); ok && p.Speed == nil {
				p.Speed = &f
			}
		case "heading", "course", "bearing", "rumbo":
			if f, ok := toFloat(v); ok && p.Heading == nil {
				p.Heading = &f
			}
		case "timestamp", "time", "fecha", "fecha_gps", "datetime", "devicetime", "gpstime", "positiontime":
			if s, ok := v.(string); ok && p.Timestamp == "" {
				p.Timestamp = s
			}
		case "isstop", "stopped", "parado":
			if b, ok := toBool(v); ok && p.IsStop == nil {
				p.IsStop = &b
			}
		case "battery", "bateria", "power":
			if f, ok := toFloat(v); ok && p.Battery == nil {
				p.Battery = &f
			}
		case "signal", "senal", "gsm", "gsmsignal":
			if f, ok := toFloat(v); ok && p.Signal == nil {
				p.Signal = &f
			}
		case "satellites", "satelites", "sat", "satellite":
			if f, ok := toFloat(v); ok && p.Satellites == nil {
				n := int(f)
				p.Satellites = &n
			}
		}
	}
	return p, true
}

// pointFromArray tries a two-element numeric array as (lat, lng), then
// swapped.
func pointFromArray(arr []interface{}) (Point, bool) {
	if len(arr) != 2 {
		return Point{}, false
	}
	a, okA := toFloat(arr[0])
	b, okB := toFloat(arr[1])
	if !okA || !okB {
		return Point{}, false
	}
	if Valid(a, b) {
		return Point{Lat: a, Lng: b, Source: "array"}, true
	}
	if Valid(b, a) {
		return Point{Lat: b, Lng: a, Source: "array"}, true
	}
	return Point{}, false
}

// toBool accepts the shapes portals use for flags: real booleans,
// 0/1 numerics and their string forms.
func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "si", "sí":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return false, false
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, true
		}
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Dedup re-applies the 6-decimal dedup rule to an already-built
// sequence, preserving first occurrences.
func Dedup(points []Point) []Point {
	seen := make(map[string]bool, len(points))
	out := points[:0:0]
	for _, p := range points {
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
