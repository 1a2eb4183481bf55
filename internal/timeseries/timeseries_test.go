package timeseries

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }

func TestSequencer_GroupsEqualTimestamps(t *testing.T) {
	seq := NewSequencer()
	assert.Empty(t, seq.Add(model.NewTimedValue("a", at(0), 1)))
	assert.Empty(t, seq.Add(model.NewTimedValue("b", at(0), 2)))

	done := seq.Add(model.NewTimedValue("a", at(15), 3))
	require.Len(t, done, 1)
	assert.Equal(t, at(0), done[0].Time)
	assert.Equal(t, []string{"a", "b"}, done[0].PointIDs())

	// 迟到的采样被丢弃
	assert.Empty(t, seq.Add(model.NewTimedValue("b", at(5), 9)))
	assert.Equal(t, 1, seq.Late())

	flushed := seq.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, at(15), flushed[0].Time)
	assert.Empty(t, seq.Flush())

	assert.Empty(t, seq.Add(model.NewTimedValue("a", at(15), 4)), "already emitted")
	assert.Equal(t, 2, seq.Late())
}

func TestGroup_MatchesStreaming(t *testing.T) {
	values := []model.TimedValue{
		model.NewTimedValue("b", at(15), 2),
		model.NewTimedValue("a", at(0), 1),
		model.NewMissingValue("b", at(0)),
		model.NewTimedValue("a", at(15), 3),
		model.NewTimedValue("a", at(30), 5),
	}
	bulk := Group(values)
	require.Len(t, bulk, 3)

	seq := NewSequencer()
	var live []model.Timestep
	for _, v := range []model.TimedValue{values[1], values[2], values[0], values[3], values[4]} {
		live = append(live, seq.Add(v)...)
	}
	live = append(live, seq.Flush()...)
	assert.Equal(t, bulk, live)

	v, ok := bulk[0].Get("b")
	require.True(t, ok)
	assert.False(t, v.Valid())
}

func TestReadCSV(t *testing.T) {
	data := `point_id,timestamp,value,unit
chwv,2024-01-01T00:00:00Z,50,%
# comment
chwv,2024-01-01T00:15:00Z,,%
oat,1704067200,12.5
oat,2024-01-01T00:15:00Z,NaN
oat,2024-01-01T00:30:00Z,null
`
	values, err := ReadCSV(strings.NewReader(data), CSVOptions{HasHeader: true})
	require.NoError(t, err)
	require.Len(t, values, 5)

	f, ok := values[0].Float()
	require.True(t, ok)
	assert.Equal(t, 50.0, f)
	assert.Equal(t, "%", values[0].Unit)
	assert.False(t, values[1].Valid())
	assert.Equal(t, t0, values[2].Timestamp)
	assert.False(t, values[3].Valid())
	assert.False(t, values[4].Valid())
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "columns", data: "a,2024-01-01T00:00:00Z\n"},
		{name: "time", data: "a,yesterday,1\n"},
		{name: "value", data: "a,2024-01-01T00:00:00Z,abc\n"},
		{name: "point", data: ",2024-01-01T00:00:00Z,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.data), CSVOptions{})
			assert.Error(t, err)
		})
	}
}

func TestWriteCSV_RoundTrip(t *testing.T) {
	in := []model.TimedValue{
		model.NewTimedValue("a", at(0), 1.5),
		model.NewMissingValue("b", at(15)),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))

	out, err := ReadCSV(&buf, CSVOptions{HasHeader: true})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Timestamp, out[0].Timestamp)
	assert.Equal(t, *in[0].Value, *out[0].Value)
	assert.Nil(t, out[1].Value)
}
