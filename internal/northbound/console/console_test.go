package console

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/northbound"
)

func sample() []*insight.Insight {
	return []*insight.Insight{
		{ID: "1", RuleName: "Valve stuck", EquipmentName: "AHU 1", Text: "Valve at 95.00%", IsValid: true, IsFaulty: true, FaultedCount: 1},
		{ID: "2", RuleName: "Valve stuck", EquipmentName: "AHU 2", Text: "Insufficient Data"},
	}
}

func newSink(t *testing.T, cfg string) (*ConsoleSink, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	s := NewConsoleSink(&buf)
	require.NoError(t, s.Init(json.RawMessage(cfg)))
	return s, &buf
}

func TestConsoleSink_Formats(t *testing.T) {
	s, buf := newSink(t, `{"name":"out","type":"console"}`)
	assert.Error(t, s.Publish(sample()), "not started")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Publish(sample()))
	assert.Equal(t, "[FAULTED] Valve stuck @ AHU 1: Valve at 95.00% (faults=1)\n[INVALID] Valve stuck @ AHU 2: Insufficient Data (faults=0)\n", buf.String())
	assert.Equal(t, int64(2), s.GetStats().MessagesTotal)

	s, buf = newSink(t, `{"name":"out","type":"console","format":"json","only_faulty":true}`)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Publish(sample()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var in insight.Insight
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &in))
	assert.Equal(t, "1", in.ID)

	s, buf = newSink(t, `{"name":"out","type":"console","format":"table"}`)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Publish(sample()))
	assert.True(t, strings.HasPrefix(buf.String(), "STATE"))
	assert.Contains(t, buf.String(), "AHU 2")
	require.NoError(t, s.Stop())
}

func TestConsoleSink_Registered(t *testing.T) {
	s, ok := northbound.Create("console")
	require.True(t, ok)
	assert.Error(t, s.Init(json.RawMessage(`{"name":"x","type":"console","format":"xml"}`)))
}
