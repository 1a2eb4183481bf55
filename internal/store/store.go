// Package store 持久化洞察与 Actor 快照
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// Filter 洞察查询条件，零值字段不参与过滤
type Filter struct {
	EquipmentID string
	RuleID      string
	SiteID      string
	Status      insight.Status
	OnlyFaulty  bool
	Limit       int
}

// Match 判断洞察是否满足条件
func (f Filter) Match(in *insight.Insight) bool {
	switch {
	case f.EquipmentID != "" && in.EquipmentID != f.EquipmentID:
		return false
	case f.RuleID != "" && in.RuleID != f.RuleID:
		return false
	case f.SiteID != "" && in.SiteID != f.SiteID:
		return false
	case f.Status != "" && in.Status != f.Status:
		return false
	case f.OnlyFaulty && in.FaultedCount == 0:
		return false
	}
	return true
}

// InsightStore 洞察存储
type InsightStore interface {
	SaveInsights(ctx context.Context, batch []*insight.Insight) error
	GetInsight(ctx context.Context, id string) (*insight.Insight, error)
	ListInsights(ctx context.Context, f Filter) ([]*insight.Insight, error)
	SetStatus(ctx context.Context, id string, status insight.Status) error
	Close() error
}

// SnapshotStore Actor 快照存储
type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snaps []actor.Snapshot) error
	LoadSnapshot(ctx context.Context, instanceID string) (actor.Snapshot, error)
	Close() error
}

// OpenInsightStore 按配置打开洞察存储
func OpenInsightStore(cfg *config.Config) (InsightStore, error) {
	switch cfg.Store.Insights {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("未知的洞察存储类型: %s", cfg.Store.Insights)
	}
}

// OpenSnapshotStore 按配置打开快照存储
func OpenSnapshotStore(ctx context.Context, cfg *config.Config) (SnapshotStore, error) {
	switch cfg.Store.Snapshots {
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("快照存储为redis但缺少redis配置")
		}
		return NewRedisStore(ctx, *cfg.Redis)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("未知的快照存储类型: %s", cfg.Store.Snapshots)
	}
}
