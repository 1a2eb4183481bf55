package nats_sub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/southbound"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go s.Start()
	require.True(t, s.ReadyForConnections(5*time.Second))
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSSub_ReceivesSamples(t *testing.T) {
	s := runServer(t)
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	a, ok := southbound.Create("nats_sub")
	require.True(t, ok)
	require.NoError(t, a.Init(json.RawMessage(`{"name":"live","type":"nats_sub","subject":"telemetry.>"}`)))
	a.(southbound.NATSAwareAdapter).SetNATSConnection(nc)

	ch := make(chan model.TimedValue, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx, ch))

	require.NoError(t, nc.Publish("telemetry.ahu-1", []byte(`[
		{"point_id":"chwv","timestamp":"2024-01-01T00:00:00Z","value":95},
		{"point_id":"oat","timestamp":"2024-01-01T00:00:00Z","value":null}
	]`)))
	require.NoError(t, nc.Publish("telemetry.ahu-1", []byte(`garbage`)))
	require.NoError(t, nc.Flush())

	var got []model.TimedValue
	for len(got) < 2 {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for samples")
		}
	}
	assert.Equal(t, "chwv", got[0].PointID)
	assert.True(t, got[0].Valid())
	assert.False(t, got[1].Valid())

	assert.Eventually(t, func() bool {
		m, _ := a.(southbound.ExtendedAdapter).GetMetrics()
		return m.ErrorsCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop())
}

func TestNATSSub_NoConnection(t *testing.T) {
	a := &NATSSubAdapter{}
	require.NoError(t, a.Init(json.RawMessage(`{"name":"live","type":"nats_sub"}`)))
	assert.Error(t, a.Start(context.Background(), make(chan model.TimedValue)))
}

func TestNATSSub_OwnConnection(t *testing.T) {
	s := runServer(t)
	a := &NATSSubAdapter{}
	cfg, _ := json.Marshal(map[string]string{"name": "own", "type": "nats_sub", "url": s.ClientURL(), "subject": "t.x"})
	require.NoError(t, a.Init(cfg))

	ch := make(chan model.TimedValue, 1)
	require.NoError(t, a.Start(context.Background(), ch))

	pub, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("t.x", []byte(`{"key":"sat","value":"13.5"}`)))

	select {
	case v := <-ch:
		assert.Equal(t, "sat", v.PointID)
		assert.False(t, v.Timestamp.IsZero(), "receive time fills a missing timestamp")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, a.Stop())
	assert.Nil(t, a.conn)
}
