package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }

func sampleInsight(id, equipment string, faulted bool) *insight.Insight {
	in := &insight.Insight{
		ID: id, RuleID: "r1", RuleName: "Valve", EquipmentID: equipment, EquipmentName: equipment,
		Status: insight.StatusNew, Text: "ok", IsValid: true, Invocations: 4, LastUpdated: at(45),
		ImpactScores: map[string]actor.ImpactScore{"Cost": {Name: "Cost", FieldID: "cost", Value: 12.5, Unit: "USD"}},
		Occurrences: []model.Occurrence{
			{Started: at(0), Ended: at(15), Text: "Insufficient Data"},
			{Started: at(15), Ended: at(45), IsValid: true, Text: "ok"},
		},
	}
	if faulted {
		in.Occurrences[1].Ended = at(30)
		in.Occurrences = append(in.Occurrences, model.Occurrence{Started: at(30), Ended: at(45), IsValid: true, IsFaulted: true, Text: "hot"})
		in.FaultedCount, in.IsFaulty = 1, true
		in.EarliestFaultedDate, in.LastFaultedDate = at(30), at(30)
	}
	return in
}

func stores(t *testing.T) map[string]InsightStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "insights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]InsightStore{"memory": NewMemoryStore(), "sqlite": sqlite}
}

func TestInsightStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, b := sampleInsight("a", "ahu-1", true), sampleInsight("b", "ahu-2", false)
			require.NoError(t, s.SaveInsights(ctx, []*insight.Insight{a, b}))

			got, err := s.GetInsight(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, a.Occurrences, got.Occurrences)
			assert.Equal(t, a.ImpactScores, got.ImpactScores)
			assert.Equal(t, at(30), got.LastFaultedDate)
			assert.True(t, got.IsFaulty)
			assert.Equal(t, at(45), got.LastUpdated)

			_, err = s.GetInsight(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.ListInsights(ctx, Filter{OnlyFaulty: true})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "a", list[0].ID)

			list, err = s.ListInsights(ctx, Filter{EquipmentID: "ahu-2"})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Len(t, list[0].Occurrences, 2)

			list, err = s.ListInsights(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, s.SetStatus(ctx, "a", insight.StatusInProgress))
			list, err = s.ListInsights(ctx, Filter{Status: insight.StatusInProgress})
			require.NoError(t, err)
			assert.Len(t, list, 1)
			assert.ErrorIs(t, s.SetStatus(ctx, "missing", insight.StatusOpen), ErrNotFound)
		})
	}
}

func TestInsightStore_MergedOccurrences(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			in := sampleInsight("a", "ahu-1", false)
			require.NoError(t, s.SaveInsights(ctx, []*insight.Insight{in}))

			// 区间被合并后再次保存
			in.Occurrences = []model.Occurrence{{Started: at(0), Ended: at(60), IsValid: true, Text: "merged"}}
			require.NoError(t, s.SaveInsights(ctx, []*insight.Insight{in}))

			got, err := s.GetInsight(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, in.Occurrences, got.Occurrences)
		})
	}
}

func TestInsightStore_LongHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			in := sampleInsight("long", "ahu-1", false)
			in.Occurrences = make([]model.Occurrence, 0, 40000)
			for i := 0; i < 40000; i++ {
				in.Occurrences = append(in.Occurrences, model.Occurrence{Started: at(i), Ended: at(i + 1), IsValid: true, IsFaulted: i%2 == 1})
			}
			require.NoError(t, s.SaveInsights(ctx, []*insight.Insight{in}))

			got, err := s.GetInsight(ctx, "long")
			require.NoError(t, err)
			assert.Len(t, got.Occurrences, 40000)

			// 压缩后只保留尾部
			in.Occurrences = append([]model.Occurrence{{Started: at(0), Ended: at(39990), IsValid: true, Text: "compacted"}},
				in.Occurrences[39990:]...)
			require.NoError(t, s.SaveInsights(ctx, []*insight.Insight{in}))

			got, err = s.GetInsight(ctx, "long")
			require.NoError(t, err)
			assert.Equal(t, in.Occurrences, got.Occurrences)
		})
	}
}

func TestMemoryStore_Snapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, err := m.LoadSnapshot(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveSnapshots(ctx, []actor.Snapshot{{InstanceID: "x", Invocations: 3}}))
	snap, err := m.LoadSnapshot(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Invocations)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FAULT_TEST_REDIS_ADDR 未设置")
	}
	ctx := context.Background()
	cfg := config.GetDefaultRedisConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "fault-engine-test:"
	r, err := NewRedisStore(ctx, cfg)
	require.NoError(t, err)
	defer r.Close()

	snap := actor.Snapshot{InstanceID: "inst-1", LastTime: at(15), Invocations: 2}
	require.NoError(t, r.SaveSnapshots(ctx, []actor.Snapshot{snap}))
	got, err := r.LoadSnapshot(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, snap.InstanceID, got.InstanceID)
	assert.True(t, snap.LastTime.Equal(got.LastTime))

	_, err = r.LoadSnapshot(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenStores(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Insights: "memory", Snapshots: "memory"}}
	is, err := OpenInsightStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, is)

	cfg.Store.Snapshots = "redis"
	_, err = OpenSnapshotStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRedisKey(t *testing.T) {
	r := &RedisStore{prefix: "fe:"}
	assert.Equal(t, "fe:snapshot:abc", r.SnapshotKey("abc"))
}
