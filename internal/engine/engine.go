// Package engine 把规则实例化到设备上，并按时间步驱动所有 Actor
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/ontology"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
)

// Options 引擎选项
type Options struct {
	// Workers 并行处理的设备数，<= 0 时使用 CPU 数
	Workers      int
	MaxSampleAge time.Duration
	Ontology     *ontology.Registry
	Functions    *expression.Functions
	// Snapshots 为空时不持久化 Actor 状态
	Snapshots store.SnapshotStore
	// Insights 为空时新实例从空洞察开始
	Insights store.InsightStore
	Metrics  *metrics.Metrics
}

// LoadReport 一次加载的结果
type LoadReport struct {
	Equipment int `json:"equipment"`
	Instances int `json:"instances"`
	Invalid   int `json:"invalid"`
	Restored  int `json:"restored"`
	Removed   int `json:"removed"`
}

// Stats 引擎运行统计
type Stats struct {
	Equipment   int `json:"equipment"`
	Instances   int `json:"instances"`
	Invalid     int `json:"invalid"`
	Faulty      int `json:"faulty"`
	Invocations int `json:"invocations"`
	Dropped     int `json:"dropped"`
}

type slot struct {
	actor   *actor.Actor
	insight *insight.Insight
	points  map[string]bool
}

// unit 同一设备上的所有规则实例，由一个 worker 顺序处理
type unit struct {
	mu        sync.Mutex
	equipment ontology.EquipmentContext
	points    map[string]bool
	slots     []*slot
	dirty     map[int]bool
}

// Engine 规则引擎
type Engine struct {
	opts      Options
	binder    *rules.Binder
	evaluator *expression.Evaluator

	mu    sync.RWMutex
	units []*unit
	index map[string]*unit
}

// New 创建引擎
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Functions == nil {
		opts.Functions = expression.NewFunctions()
	}
	return &Engine{
		opts:      opts,
		binder:    rules.NewBinder(opts.Ontology, opts.Functions),
		evaluator: expression.NewEvaluator(opts.Functions),
		index:     make(map[string]*unit),
	}
}

// Load 把启用的规则绑定到设备上，替换当前的实例集合。
// 已存在的实例保留其 Actor 状态与洞察；新实例优先从存储恢复。
func (e *Engine) Load(ctx context.Context, ruleList []*rules.Rule, equipment []ontology.EquipmentContext) (LoadReport, error) {
	enabled := make([]*rules.Rule, 0, len(ruleList))
	for _, r := range ruleList {
		if r.IsEnabled() {
			enabled = append(enabled, r)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })
	eqs := append([]ontology.EquipmentContext(nil), equipment...)
	sort.Slice(eqs, func(i, j int) bool { return eqs[i].ID < eqs[j].ID })

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := make(map[string]*slot)
	for _, u := range e.units {
		for _, s := range u.slots {
			previous[s.insight.ID] = s
		}
	}

	var report LoadReport
	units := make([]*unit, 0, len(eqs))
	index := make(map[string]*unit)
	for i := range eqs {
		eq := eqs[i]
		u := &unit{equipment: eq, points: make(map[string]bool), dirty: make(map[int]bool)}
		for _, rule := range enabled {
			if !e.binder.Applies(rule, &eq) {
				continue
			}
			inst := e.binder.Bind(rule, &eq)
			if !inst.IsValid() {
				report.Invalid++
				for _, p := range inst.FailedParameters() {
					log.Warn().Str("instance_id", inst.ID).Str("rule_id", rule.ID).
						Str("equipment_id", eq.ID).Str("parameter", p.Name).
						Str("reason", p.Failed().Message).Msg("规则参数绑定失败")
				}
			}
			s, restored, err := e.newSlot(ctx, inst, previous[inst.ID])
			if err != nil {
				return report, err
			}
			if restored {
				report.Restored++
			}
			delete(previous, inst.ID)
			for id := range s.points {
				u.points[id] = true
			}
			u.slots = append(u.slots, s)
			index[inst.ID] = u
		}
		if len(u.slots) == 0 {
			continue
		}
		units = append(units, u)
		report.Instances += len(u.slots)
	}
	report.Equipment = len(units)
	report.Removed = len(previous)

	e.units = units
	e.index = index
	e.opts.Metrics.SetInstances(report.Instances-report.Invalid, report.Invalid)
	log.Info().Int("equipment", report.Equipment).Int("instances", report.Instances).
		Int("invalid", report.Invalid).Int("restored", report.Restored).
		Int("removed", report.Removed).Msg("规则实例加载完成")
	return report, nil
}

func (e *Engine) newSlot(ctx context.Context, inst *rules.RuleInstance, prev *slot) (*slot, bool, error) {
	s := &slot{
		actor:  actor.New(inst, e.evaluator, e.opts.MaxSampleAge),
		points: make(map[string]bool, len(inst.Points)),
	}
	for _, id := range inst.PointIDs() {
		s.points[id] = true
	}

	if prev != nil {
		if err := s.actor.Restore(prev.actor.Snapshot()); err != nil {
			return nil, false, err
		}
		s.insight = prev.insight
		s.insight.RuleName = inst.RuleName
		s.insight.EquipmentName = inst.EquipmentName
		s.insight.Recommendation = inst.Recommendation
		return s, true, nil
	}

	restored := false
	if e.opts.Snapshots != nil {
		snap, err := e.opts.Snapshots.LoadSnapshot(ctx, inst.ID)
		switch {
		case err == nil:
			if err := s.actor.Restore(snap); err != nil {
				log.Warn().Err(err).Str("instance_id", inst.ID).Msg("快照恢复失败，从空状态开始")
			} else {
				restored = true
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, rules.NewStoreError("SNAPSHOT_LOAD", fmt.Sprintf("读取实例 %s 的快照失败", inst.ID), err)
		}
	}

	s.insight = insight.New(inst)
	if e.opts.Insights != nil {
		saved, err := e.opts.Insights.GetInsight(ctx, inst.ID)
		switch {
		case err == nil:
			saved.RuleName = inst.RuleName
			saved.EquipmentName = inst.EquipmentName
			saved.Recommendation = inst.Recommendation
			s.insight = saved
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, rules.NewStoreError("INSIGHT_LOAD", fmt.Sprintf("读取洞察 %s 失败", inst.ID), err)
		}
	}
	return s, restored, nil
}

// ActorError 某个规则实例在一批时间步中遇到外部依赖失败。
// 该实例本批次剩余的时间步不再处理，已生成的区间保留，调用方可以重试这一批。
type ActorError struct {
	InstanceID  string
	EquipmentID string
	Time        time.Time
	Err         error
}

func (e *ActorError) Error() string {
	return fmt.Sprintf("规则实例 %s (%s) 在 %s 处理失败: %v", e.InstanceID, e.EquipmentID, e.Time.Format(time.RFC3339), e.Err)
}

func (e *ActorError) Unwrap() error { return e.Err }

// ProcessBatch 按时间顺序处理一批时间步。
// 不同设备并行处理，同一设备内的实例顺序执行；ctx 取消后已处理的结果保留。
// 单个实例失败时返回 ActorError（多个时用 errors.Join 合并），其他实例照常处理。
func (e *Engine) ProcessBatch(ctx context.Context, steps []model.Timestep) error {
	if len(steps) == 0 {
		return nil
	}
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		errMu     sync.Mutex
		actorErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, u := range e.units {
		u := u
		g.Go(func() error {
			failed, err := u.process(gctx, steps, e.opts.Metrics)
			if len(failed) > 0 {
				errMu.Lock()
				actorErrs = append(actorErrs, failed...)
				errMu.Unlock()
			}
			return err
		})
	}
	err := g.Wait()
	e.opts.Metrics.ObserveBatch(len(steps), time.Since(start))
	return errors.Join(append([]error{err}, actorErrs...)...)
}

func (u *unit) process(ctx context.Context, steps []model.Timestep, m *metrics.Metrics) ([]error, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var (
		failed  []error
		stopped map[int]bool
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		ts := step.Filter(u.points)
		if len(ts.Values) == 0 {
			continue
		}
		for i, s := range u.slots {
			if stopped[i] {
				continue
			}
			if len(s.points) > 0 && !touches(ts, s.points) {
				continue
			}
			r := s.actor.Step(ts)
			if r.Err != nil {
				if stopped == nil {
					stopped = make(map[int]bool)
				}
				stopped[i] = true
				failed = append(failed, &ActorError{
					InstanceID:  r.InstanceID,
					EquipmentID: u.equipment.ID,
					Time:        r.Time,
					Err:         r.Err,
				})
				continue
			}
			if r.Dropped {
				m.SampleDropped("out_of_order", len(ts.Values))
				continue
			}
			if r.Closed != nil {
				m.Transition(r.State.String())
			}
			s.insight.Apply(r)
			u.dirty[i] = true
		}
	}
	return failed, nil
}

func touches(ts model.Timestep, points map[string]bool) bool {
	for id := range ts.Values {
		if points[id] {
			return true
		}
	}
	return false
}

// Drain 返回上次调用以来发生变化的洞察副本
func (e *Engine) Drain() []*insight.Insight {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var changed []*insight.Insight
	faulty := 0
	for _, u := range e.units {
		u.mu.Lock()
		for i, s := range u.slots {
			if s.insight.IsFaulty {
				faulty++
			}
			if u.dirty[i] {
				changed = append(changed, s.insight.Clone())
			}
		}
		u.dirty = make(map[int]bool)
		u.mu.Unlock()
	}
	e.opts.Metrics.SetFaulty(faulty)
	return changed
}

// Snapshots 导出所有 Actor 的状态
func (e *Engine) Snapshots() []actor.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var snaps []actor.Snapshot
	for _, u := range e.units {
		u.mu.Lock()
		for _, s := range u.slots {
			if s.actor.Invocations() == 0 {
				continue
			}
			snaps = append(snaps, s.actor.Snapshot())
		}
		u.mu.Unlock()
	}
	return snaps
}

// SaveSnapshots 把 Actor 状态写入快照存储
func (e *Engine) SaveSnapshots(ctx context.Context) error {
	if e.opts.Snapshots == nil {
		return nil
	}
	snaps := e.Snapshots()
	if len(snaps) == 0 {
		return nil
	}
	if err := e.opts.Snapshots.SaveSnapshots(ctx, snaps); err != nil {
		e.opts.Metrics.StoreError("snapshots")
		return rules.NewStoreError("SNAPSHOT_SAVE", "保存快照失败", err)
	}
	log.Debug().Int("count", len(snaps)).Msg("快照已保存")
	return nil
}

// Insights 返回满足条件的洞察副本，按 ID 排序
func (e *Engine) Insights(f store.Filter) []*insight.Insight {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*insight.Insight
	for _, u := range e.units {
		u.mu.Lock()
		for _, s := range u.slots {
			if f.Match(s.insight) {
				out = append(out, s.insight.Clone())
			}
		}
		u.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Insight 按 ID 查找洞察
func (e *Engine) Insight(id string) (*insight.Insight, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	u, ok := e.index[id]
	if !ok {
		return nil, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.slots {
		if s.insight.ID == id {
			return s.insight.Clone(), true
		}
	}
	return nil, false
}

// SetStatus 修改洞察状态，变更会在下次 Drain 时输出
func (e *Engine) SetStatus(id string, status insight.Status) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	u, ok := e.index[id]
	if !ok {
		return store.ErrNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, s := range u.slots {
		if s.insight.ID != id {
			continue
		}
		if err := s.insight.SetStatus(status); err != nil {
			return err
		}
		u.dirty[i] = true
		return nil
	}
	return store.ErrNotFound
}

// Instances 返回所有规则实例，按设备与规则排序
func (e *Engine) Instances() []*rules.RuleInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*rules.RuleInstance
	for _, u := range e.units {
		for _, s := range u.slots {
			out = append(out, s.actor.Instance())
		}
	}
	return out
}

// Stats 返回运行统计
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{Equipment: len(e.units)}
	for _, u := range e.units {
		u.mu.Lock()
		for _, s := range u.slots {
			st.Instances++
			if !s.actor.Instance().IsValid() {
				st.Invalid++
			}
			if s.insight.IsFaulty {
				st.Faulty++
			}
			st.Invocations += s.actor.Invocations()
			st.Dropped += s.actor.Dropped()
		}
		u.mu.Unlock()
	}
	return st
}
