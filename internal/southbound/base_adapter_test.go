package southbound

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/model"
)

type nopAdapter struct{ *BaseAdapter }

func (nopAdapter) Init(json.RawMessage) error                            { return nil }
func (nopAdapter) Start(context.Context, chan<- model.TimedValue) error { return nil }
func (nopAdapter) Stop() error                                          { return nil }

func TestRegistry(t *testing.T) {
	Register("test_nop", func() Adapter { return nopAdapter{NewBaseAdapter("nop", "test_nop")} })

	a, ok := Create("test_nop")
	require.True(t, ok)
	assert.Equal(t, "nop", a.Name())
	assert.Contains(t, Types(), "test_nop")

	_, ok = Create("missing")
	assert.False(t, ok)

	assert.Panics(t, func() {
		Register("test_nop", func() Adapter { return nil })
	})
}

func TestBaseAdapter_SafeSendDrops(t *testing.T) {
	b := NewBaseAdapter("live", "test")
	ch := make(chan model.TimedValue, 1)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.SafeSend(ch, model.NewTimedValue("p1", ts, 1), time.Now())
	b.SafeSend(ch, model.NewTimedValue("p2", ts, 2), time.Now())

	m, err := b.GetMetrics()
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.SamplesCollected)
	assert.EqualValues(t, 1, m.SamplesDropped)
	assert.EqualValues(t, 1, m.ErrorsCount)

	h, err := b.Health()
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Error(t, b.GetLastError())
}

func TestBaseAdapter_Stale(t *testing.T) {
	b := NewBaseAdapter("live", "test")
	b.SetStaleAfter(time.Millisecond)
	b.SetRunning(true)

	ch := make(chan model.TimedValue, 1)
	require.NoError(t, b.Send(context.Background(), ch, model.NewTimedValue("p1", time.Now(), 1)))
	time.Sleep(5 * time.Millisecond)

	h, _ := b.Health()
	assert.Equal(t, "degraded", h.Status)

	b.SetStaleAfter(0)
	h, _ = b.Health()
	assert.Equal(t, "healthy", h.Status)
}

func TestBaseAdapter_Done(t *testing.T) {
	b := NewBaseAdapter("file", "test")
	b.MarkDone()
	b.MarkDone()
	select {
	case <-b.Done():
	default:
		t.Fatal("done channel not closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Send(ctx, make(chan model.TimedValue), model.NewTimedValue("p", time.Now(), 1)), context.Canceled)
}
