package store

import (
	"context"
	"sort"
	"sync"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/insight"
)

// MemoryStore 进程内存储，同时实现 InsightStore 和 SnapshotStore
type MemoryStore struct {
	mu        sync.RWMutex
	insights  map[string]*insight.Insight
	snapshots map[string]actor.Snapshot
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insights:  make(map[string]*insight.Insight),
		snapshots: make(map[string]actor.Snapshot),
	}
}

// SaveInsights 保存副本
func (m *MemoryStore) SaveInsights(_ context.Context, batch []*insight.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range batch {
		m.insights[in.ID] = in.Clone()
	}
	return nil
}

// GetInsight 读取
func (m *MemoryStore) GetInsight(_ context.Context, id string) (*insight.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.insights[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

// ListInsights 按 ID 排序返回
func (m *MemoryStore) ListInsights(_ context.Context, f Filter) ([]*insight.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*insight.Insight
	for _, in := range m.insights {
		if f.Match(in) {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SetStatus 修改状态
func (m *MemoryStore) SetStatus(_ context.Context, id string, status insight.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.insights[id]
	if !ok {
		return ErrNotFound
	}
	return in.SetStatus(status)
}

// SaveSnapshots 保存快照
func (m *MemoryStore) SaveSnapshots(_ context.Context, snaps []actor.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		m.snapshots[s.InstanceID] = s
	}
	return nil
}

// LoadSnapshot 读取快照
func (m *MemoryStore) LoadSnapshot(_ context.Context, instanceID string) (actor.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[instanceID]
	if !ok {
		return actor.Snapshot{}, ErrNotFound
	}
	return s, nil
}

// Close 无操作
func (m *MemoryStore) Close() error {
	return nil
}
