package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/fleetwatch/fleetwatch/core"
)

// Field is the bridge's typed value wrapper. Writes send wrapped
// fields; reads may return them wrapped or flat depending on the
// bridge version, so both directions live here.
type Field struct {
	Value interface{} `json:"value"`
	Type  string      `json:"type"`
}

// WrapFields converts a flat record into the bridge's wrapped write
// shape, auto-detecting the declared type per value.
func WrapFields(fields map[string]interface{}) map[string]interface{} {
	wrapped := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		wrapped[k] = Field{Value: v, Type: detectFieldType(v)}
	}
	return wrapped
}

func detectFieldType(v interface{}) string {
	switch n := v.(type) {
	case bool:
		return "boolean"
	case int, int32, int64:
		return "integer"
	case float32:
		if n == float32(math.Trunc(float64(n))) {
			return "integer"
		}
		return "decimal"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "decimal"
	case nil:
		return "null"
	default:
		return "string"
	}
}

// FlattenRecord unwraps any {value, type} cells back into a flat
// record. Cells that are not wrappers pass through untouched.
func FlattenRecord(raw map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		flat[k] = unwrapCell(v)
	}
	return flat
}

func unwrapCell(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	inner, hasValue := m["value"]
	if !hasValue {
		return v
	}
	for k := range m {
		if k != "value" && k != "type" {
			return v
		}
	}
	return inner
}

// decodeRecords parses a query response, accepting a bare array or an
// object carrying the rows under "records" or "data".
func decodeRecords(body []byte) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err == nil {
		return flattenAll(rows), nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", core.ErrUnsupportedPayload)
	}
	for _, key := range []string{"records", "data", "rows"} {
		arr, ok := obj[key].([]interface{})
		if !ok {
			continue
		}
		rows = make([]map[string]interface{}, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, m)
			}
		}
		return flattenAll(rows), nil
	}
	return nil, fmt.Errorf("query response has no row array: %w", core.ErrUnsupportedPayload)
}

func flattenAll(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, FlattenRecord(row))
	}
	return out
}

// decodeEnvelope parses a write response. Missing or malformed bodies
// still yield a success envelope since the status code already passed.
func decodeEnvelope(body []byte) *Envelope {
	env := &Envelope{Success: true}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return env
	}
	env.Raw = obj

	if v, ok := obj["success"].(bool); ok {
		env.Success = v
	}
	env.ID = extractID(obj)
	return env
}

// extractID digs the new record id out of the shapes the bridge has
// used over time: top-level id, nested record.id, nested data.id.
func extractID(obj map[string]interface{}) int64 {
	for _, key := range []string{"id", "Id", "ID", "insertId"} {
		if id, ok := asInt64(obj[key]); ok {
			return id
		}
	}
	for _, key := range []string{"record", "data"} {
		if nested, ok := obj[key].(map[string]interface{}); ok {
			if id := extractID(FlattenRecord(nested)); id != 0 {
				return id
			}
		}
	}
	return 0
}

func asInt64(v interface{}) (int64, bool) {
	switch n := unwrapCell(v).(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case string:
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &id); err == nil {
			return id, true
		}
	}
	return 0, false
}
