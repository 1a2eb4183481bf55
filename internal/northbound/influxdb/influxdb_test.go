package influxdb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOccurrencePoints(t *testing.T) {
	in := &insight.Insight{
		ID: "i-1", RuleID: "r", EquipmentID: "ahu-1",
		Occurrences: []model.Occurrence{
			{Started: t0, Ended: t0.Add(time.Hour), IsValid: true},
			{Started: t0.Add(time.Hour), Ended: t0.Add(90 * time.Minute), IsValid: true, IsFaulted: true, Text: "hot"},
		},
	}

	points := OccurrencePoints("occurrences", in, time.Time{}, map[string]string{"env": "test"})
	require.Len(t, points, 2)

	p := points[1]
	assert.Equal(t, "occurrences", p.Name())
	assert.Equal(t, t0.Add(time.Hour), p.Time())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "faulted", tags["state"])
	assert.Equal(t, "ahu-1", tags["equipment_id"])
	assert.Equal(t, "test", tags["env"])
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, true, fields["faulted"])
	assert.Equal(t, 1800.0, fields["duration_s"])
	assert.Equal(t, "hot", fields["text"])

	// 只重写最后一个已发布的区间及之后的区间
	assert.Len(t, OccurrencePoints("occurrences", in, t0.Add(time.Hour), nil), 1)
}

func TestInfluxDBSink_Init(t *testing.T) {
	s := NewInfluxDBSink()
	assert.Error(t, s.Init(json.RawMessage(`{"name":"x","type":"influxdb","url":"http://localhost:8086"}`)))

	require.NoError(t, s.Init(json.RawMessage(`{"name":"x","type":"influxdb","url":"http://localhost:8086","token":"t","org":"o","bucket":"b"}`)))
	assert.Equal(t, "x", s.Name())
	assert.Error(t, s.Publish([]*insight.Insight{{ID: "a"}}), "not started")
	require.NoError(t, s.Stop())
}
