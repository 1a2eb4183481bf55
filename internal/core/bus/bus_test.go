package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/model"
)

func embedded(t *testing.T) *Connection {
	t.Helper()
	srv, err := StartEmbedded(-1, t.TempDir())
	require.NoError(t, err)
	nc, err := dial(srv.ClientURL())
	require.NoError(t, err)
	c := &Connection{Conn: nc, Server: srv}
	t.Cleanup(c.Close)
	return c
}

func TestBus_Samples(t *testing.T) {
	c := embedded(t)
	b := New(c.Conn)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan model.TimedValue, 4)
	_, err := SubscribeSamples(ctx, b, "telemetry.>", func(values []model.TimedValue) error {
		for _, v := range values {
			got <- v
		}
		return nil
	})
	require.NoError(t, err)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := []model.TimedValue{
		model.NewTimedValue("ahu1.chwv", ts, 95),
		model.NewMissingValue("ahu1.sat", ts),
	}
	require.NoError(t, PublishSamples(b, "telemetry", values))

	for _, want := range values {
		select {
		case v := <-got:
			assert.Equal(t, want.PointID, v.PointID)
			assert.Equal(t, want.Timestamp, v.Timestamp)
			assert.Equal(t, want.Valid(), v.Valid())
		case <-time.After(2 * time.Second):
			t.Fatal("sample not delivered")
		}
	}
}

func TestBus_Event(t *testing.T) {
	c := embedded(t)
	b := New(c.Conn)

	sub, err := c.Conn.SubscribeSync(EventSubjectPrefix + ">")
	require.NoError(t, err)

	require.NoError(t, PublishEvent(b, Event{Kind: "rules_reloaded", EngineID: "e1", Data: map[string]interface{}{"instances": 3}}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fault.events.rules_reloaded", msg.Subject)

	var evt Event
	require.NoError(t, json.Unmarshal(msg.Data, &evt))
	assert.Equal(t, "e1", evt.EngineID)
	assert.False(t, evt.Time.IsZero())

	// 共享连接不随总线关闭
	require.NoError(t, b.Close())
	assert.True(t, c.Conn.IsConnected())
	assert.Error(t, b.Publish("x", "y"))
}

func TestBus_PublishBatchMismatch(t *testing.T) {
	c := embedded(t)
	assert.Error(t, New(c.Conn).PublishBatch([]string{"a"}, nil))
}

func TestConnect_External(t *testing.T) {
	c := embedded(t)
	conn, err := Connect(config.NATSConfig{URL: c.Server.ClientURL()})
	require.NoError(t, err)
	defer conn.Close()
	assert.Nil(t, conn.Server)
	assert.True(t, conn.Conn.IsConnected())
}
