package influxdb

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/config"
)

func TestBuildQuery(t *testing.T) {
	c := config.GetDefaultInfluxDBSourceConfig()
	c.Bucket = "bms"
	c.Measurement = "trends"
	c.Start = "-7d"

	q := BuildQuery(&c)
	assert.Contains(t, q, `from(bucket: "bms")`)
	assert.Contains(t, q, "range(start: -7d, stop: now())")
	assert.Contains(t, q, `r._measurement == "trends"`)
	assert.Contains(t, q, `r._field == "value"`)
	assert.Contains(t, q, `sort(columns: ["_time"])`)
}

func TestRecordToSample(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := query.NewFluxRecord(0, map[string]interface{}{
		"_time": ts, "_value": 42.5, "point_id": "chwv",
	})
	v, err := RecordToSample(rec, "point_id")
	require.NoError(t, err)
	assert.Equal(t, "chwv", v.PointID)
	assert.Equal(t, ts, v.Timestamp)
	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 42.5, f)

	rec = query.NewFluxRecord(0, map[string]interface{}{"_time": ts, "_value": true, "point_id": "fan"})
	v, err = RecordToSample(rec, "point_id")
	require.NoError(t, err)
	assert.Equal(t, 1.0, *v.Value)

	rec = query.NewFluxRecord(0, map[string]interface{}{"_time": ts, "_value": nil, "point_id": "fan"})
	v, err = RecordToSample(rec, "point_id")
	require.NoError(t, err)
	assert.False(t, v.Valid())

	_, err = RecordToSample(query.NewFluxRecord(0, map[string]interface{}{"_time": ts, "_value": 1.0}), "point_id")
	assert.Error(t, err)

	_, err = RecordToSample(query.NewFluxRecord(0, map[string]interface{}{"_time": ts, "_value": "x", "point_id": "a"}), "point_id")
	assert.Error(t, err)
}
