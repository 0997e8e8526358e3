package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFieldsTypeDetection(t *testing.T) {
	wrapped := WrapFields(map[string]interface{}{
		"activo":   true,
		"conteo":   int64(5),
		"entero":   float64(12),
		"lat":      20.60814,
		"placas":   "ABC-123",
		"opcional": nil,
	})

	assert.Equal(t, Field{Value: true, Type: "boolean"}, wrapped["activo"])
	assert.Equal(t, Field{Value: int64(5), Type: "integer"}, wrapped["conteo"])
	assert.Equal(t, Field{Value: float64(12), Type: "integer"}, wrapped["entero"])
	assert.Equal(t, Field{Value: 20.60814, Type: "decimal"}, wrapped["lat"])
	assert.Equal(t, Field{Value: "ABC-123", Type: "string"}, wrapped["placas"])
	assert.Equal(t, Field{Value: nil, Type: "null"}, wrapped["opcional"])
}

func TestFlattenRecordUnwraps(t *testing.T) {
	flat := FlattenRecord(map[string]interface{}{
		"lat":    map[string]interface{}{"value": 20.5, "type": "decimal"},
		"placas": map[string]interface{}{"value": "ABC-123"},
		"plain":  "kept",
		"nested": map[string]interface{}{"value": 1.0, "type": "decimal", "extra": true},
	})

	assert.Equal(t, 20.5, flat["lat"])
	assert.Equal(t, "ABC-123", flat["placas"])
	assert.Equal(t, "kept", flat["plain"])
	// A map with extra keys is not a wrapper cell.
	assert.IsType(t, map[string]interface{}{}, flat["nested"])
}

func TestDecodeRecordsShapes(t *testing.T) {
	cases := map[string]string{
		"bare array": `[{"id":1},{"id":2}]`,
		"records":    `{"records":[{"id":1},{"id":2}]}`,
		"data":       `{"data":[{"id":1},{"id":2}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rows, err := decodeRecords([]byte(body))
			require.NoError(t, err)
			assert.Len(t, rows, 2)
		})
	}
}

func TestDecodeRecordsWrappedCells(t *testing.T) {
	rows, err := decodeRecords([]byte(`[{"lat":{"value":20.5,"type":"decimal"}}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 20.5, rows[0]["lat"])
}

func TestDecodeRecordsUnsupported(t *testing.T) {
	_, err := decodeRecords([]byte(`{"status":"ok"}`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeIDShapes(t *testing.T) {
	cases := map[string]string{
		"top level": `{"success":true,"id":42}`,
		"record":    `{"success":true,"record":{"id":42}}`,
		"data":      `{"success":true,"data":{"id":{"value":42,"type":"integer"}}}`,
		"string id": `{"success":true,"id":"42"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env := decodeEnvelope([]byte(body))
			assert.True(t, env.Success)
			assert.Equal(t, int64(42), env.ID)
		})
	}
}

func TestDecodeEnvelopeEmptyBody(t *testing.T) {
	env := decodeEnvelope(nil)
	assert.True(t, env.Success)
	assert.Zero(t, env.ID)
}
