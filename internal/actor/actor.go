package actor

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/rules"
)

// DefaultMaxSampleAge 点位最后一个样本的默认有效期
const DefaultMaxSampleAge = 30 * time.Minute

// defaultTemporalSpan 无法静态确定的时间窗口聚合的历史保留时长
const defaultTemporalSpan = 24 * time.Hour

// ImpactScore 影响评分的最新值
type ImpactScore struct {
	Name    string  `json:"name"`
	FieldID string  `json:"field_id"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit,omitempty"`
}

// Result 单个时间步的处理结果
type Result struct {
	InstanceID string
	Time       time.Time
	State      State
	Fraction   float64
	// Open 当前区间，文本为本步渲染结果
	Open model.Occurrence
	// Closed 本步关闭的区间
	Closed *model.Occurrence
	Text   string
	Values map[string]expression.Value
	Scores []ImpactScore
	// Dropped 时间戳不晚于上次处理时间，样本被丢弃
	Dropped bool
	// Err 外部依赖失败，本时间步未生效，可以用同样的数据重试
	Err error
}

// Actor 单个规则实例的有状态执行者，非并发安全，同一实例的时间步必须顺序处理
type Actor struct {
	instance     *rules.RuleInstance
	evaluator    *expression.Evaluator
	machine      FaultMachine
	state        FaultState
	maxSampleAge time.Duration
	retention    time.Duration

	points    map[string]*buffer
	units     map[string]string
	variables map[string]*buffer
	current   map[string]expression.Value

	now         time.Time
	lastTime    time.Time
	lastText    string
	invocations int
	dropped     int
	err         error
}

// New 为规则实例创建 Actor，maxSampleAge <= 0 时使用默认值
func New(inst *rules.RuleInstance, evaluator *expression.Evaluator, maxSampleAge time.Duration) *Actor {
	if evaluator == nil {
		evaluator = expression.NewEvaluator(nil)
	}
	if maxSampleAge <= 0 {
		maxSampleAge = DefaultMaxSampleAge
	}
	settings := SettingsFor(inst)
	a := &Actor{
		instance:     inst,
		evaluator:    evaluator,
		machine:      NewFaultMachine(settings),
		maxSampleAge: maxSampleAge,
		points:       make(map[string]*buffer, len(inst.Points)),
		units:        make(map[string]string, len(inst.Points)),
		variables:    make(map[string]*buffer),
		current:      make(map[string]expression.Value),
	}
	for _, p := range inst.Points {
		a.points[p.ID] = &buffer{}
		a.units[p.ID] = p.Unit
	}
	a.retention = maxDuration(settings.Window, temporalSpan(inst)) + maxSampleAge
	return a
}

// temporalSpan 所有时间窗口聚合需要回溯的最长时间
func temporalSpan(inst *rules.RuleInstance) time.Duration {
	var span time.Duration
	for _, list := range [][]rules.BoundParameter{inst.Parameters, inst.ImpactScores} {
		for _, p := range list {
			expression.Walk(p.PointExpression, func(n expression.Node) bool {
				t, ok := n.(*expression.Temporal)
				if !ok {
					return true
				}
				period, ok := constantDuration(t.Period)
				if !ok {
					span = maxDuration(span, defaultTemporalSpan)
					return true
				}
				offset, _ := constantDuration(t.Offset)
				if offset < 0 {
					offset = -offset
				}
				if period < 0 {
					period = -period
				}
				span = maxDuration(span, period+offset)
				return true
			})
		}
	}
	return span
}

func constantDuration(n expression.Node) (time.Duration, bool) {
	num, ok := n.(*expression.Number)
	if !ok {
		return 0, false
	}
	return expression.ToDuration(expression.NumberValue(num.Value, num.Unit))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Instance 规则实例
func (a *Actor) Instance() *rules.RuleInstance { return a.instance }

// State 当前状态机状态
func (a *Actor) State() FaultState { return a.state }

// LastTime 最后处理的时间步
func (a *Actor) LastTime() time.Time { return a.lastTime }

// Invocations 已处理的时间步数
func (a *Actor) Invocations() int { return a.invocations }

// Dropped 因乱序被丢弃的时间步数
func (a *Actor) Dropped() int { return a.dropped }

// Lookup 实现 expression.Env
func (a *Actor) Lookup(ref expression.Ref) expression.Value {
	if ref.Kind == expression.RefVariable {
		if v, ok := a.current[strings.ToLower(ref.Name)]; ok {
			return v
		}
		return expression.InvalidValue(expression.ReasonMissing)
	}
	buf, ok := a.points[ref.Name]
	if !ok {
		return expression.InvalidValue(expression.ReasonMissing)
	}
	s, ok := buf.last()
	if !ok || a.now.Sub(s.Time) > a.maxSampleAge {
		return expression.InvalidValue(expression.ReasonMissing)
	}
	return s.Value
}

// History 实现 expression.Env
func (a *Actor) History(ref expression.Ref, from, to time.Time) []expression.Sample {
	var buf *buffer
	if ref.Kind == expression.RefVariable {
		buf = a.variables[strings.ToLower(ref.Name)]
	} else {
		buf = a.points[ref.Name]
	}
	if buf == nil {
		return nil
	}
	return buf.between(from, to)
}

// Now 实现 expression.Env
func (a *Actor) Now() time.Time { return a.now }

// ReportError 实现 expression.ErrorReporter，只保留本步第一个错误
func (a *Actor) ReportError(err error) {
	if a.err == nil {
		a.err = err
	}
}

// Step 处理一个时间步：依次计算参数，更新状态机并渲染描述
func (a *Actor) Step(ts model.Timestep) Result {
	if !a.lastTime.IsZero() && !ts.Time.After(a.lastTime) {
		a.dropped++
		log.Trace().Str("instance_id", a.instance.ID).Time("time", ts.Time).Time("last", a.lastTime).Msg("丢弃乱序时间步")
		return Result{InstanceID: a.instance.ID, Time: ts.Time, State: a.state.State, Dropped: true}
	}
	a.now = ts.Time
	a.err = nil

	for id, tv := range ts.Values {
		buf, ok := a.points[id]
		if !ok {
			continue
		}
		v := expression.InvalidValue(expression.ReasonMissing)
		if f, ok := tv.Float(); ok {
			unit := tv.Unit
			if unit == "" {
				unit = a.units[id]
			}
			v = expression.NumberValue(f, unit)
		}
		buf.add(ts.Time, v)
	}

	a.current = make(map[string]expression.Value, len(a.instance.Parameters))
	for _, p := range a.instance.Parameters {
		a.evaluate(p)
	}
	resultValue := expression.InvalidValue(expression.ReasonMissing)
	if result := a.instance.Result(); result != nil {
		resultValue = a.current[strings.ToLower(result.FieldID)]
	}

	sample := toSample(ts.Time, resultValue)
	var scores []ImpactScore
	if sample.Valid {
		for _, p := range a.instance.ImpactScores {
			v := a.evaluate(p)
			if p.Hidden || v.Kind != expression.KindNumber {
				continue
			}
			scores = append(scores, ImpactScore{Name: p.Name, FieldID: p.FieldID, Value: v.Num, Unit: v.Unit})
		}
	}

	if a.err != nil {
		log.Warn().Err(a.err).Str("instance_id", a.instance.ID).Time("time", ts.Time).Msg("外部依赖失败，时间步未生效")
		return Result{InstanceID: a.instance.ID, Time: ts.Time, State: a.state.State, Err: a.err}
	}
	a.invocations++

	next, tr := a.machine.Step(a.state, sample)
	a.state = next
	a.prune()

	text := a.render(tr)
	tr.Open.Text = text
	if tr.Closed != nil {
		tr.Closed.Text = a.lastText
		log.Debug().
			Str("instance_id", a.instance.ID).
			Str("from", tr.Closed.StateName()).
			Str("to", tr.Open.StateName()).
			Time("started", tr.Open.Started).
			Float64("fraction", tr.Fraction).
			Msg("规则实例状态切换")
	}
	a.lastText = text
	a.lastTime = ts.Time

	values := make(map[string]expression.Value, len(a.current))
	for k, v := range a.current {
		values[k] = v
	}
	return Result{
		InstanceID: a.instance.ID,
		Time:       ts.Time,
		State:      tr.State,
		Fraction:   tr.Fraction,
		Open:       tr.Open,
		Closed:     tr.Closed,
		Text:       text,
		Values:     values,
		Scores:     scores,
	}
}

func (a *Actor) evaluate(p rules.BoundParameter) expression.Value {
	v := a.evaluator.Evaluate(p.PointExpression, a)
	if v.Kind == expression.KindNumber && p.Units != "" {
		v.Unit = p.Units
	}
	key := strings.ToLower(p.FieldID)
	a.current[key] = v
	buf, ok := a.variables[key]
	if !ok {
		buf = &buffer{}
		a.variables[key] = buf
	}
	buf.add(a.now, v)
	return v
}

func toSample(t time.Time, v expression.Value) Sample {
	switch v.Kind {
	case expression.KindFailed, expression.KindInvalid:
		return Sample{Time: t, Reason: v.Reason}
	}
	b, ok := v.Truth()
	if !ok {
		return Sample{Time: t, Reason: expression.ReasonInvalid}
	}
	return Sample{Time: t, Valid: true, Faulty: b}
}

func (a *Actor) prune() {
	before := a.now.Add(-a.retention)
	for _, buf := range a.points {
		buf.prune(before)
	}
	for _, buf := range a.variables {
		buf.prune(before)
	}
}

func (a *Actor) render(tr Transition) string {
	if tr.State == StateInvalid {
		return tr.Reason
	}
	lookup := func(name string) (expression.Value, bool) {
		if v, ok := a.current[strings.ToLower(name)]; ok {
			return v, true
		}
		if e, ok := a.lookupSetting(name); ok {
			return expression.NumberValue(e, ""), true
		}
		return expression.Value{}, false
	}
	return Render(a.instance.Description, lookup, tr.Open.Ended.Sub(tr.Open.Started), tr.State == StateFaulted)
}

func (a *Actor) lookupSetting(name string) (float64, bool) {
	for k, v := range a.instance.Settings {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}

// Snapshot Actor 的可持久化状态
type Snapshot struct {
	InstanceID  string                          `json:"instance_id"`
	RuleVersion int                             `json:"rule_version"`
	State       FaultState                      `json:"state"`
	LastTime    time.Time                       `json:"last_time"`
	LastText    string                          `json:"last_text"`
	Invocations int                             `json:"invocations"`
	Dropped     int                             `json:"dropped"`
	Points      map[string][]expression.Sample `json:"points"`
	Variables   map[string][]expression.Sample `json:"variables"`
}

// Snapshot 导出当前状态，返回值与 Actor 不共享内存
func (a *Actor) Snapshot() Snapshot {
	snap := Snapshot{
		InstanceID:  a.instance.ID,
		RuleVersion: a.instance.RuleVersion,
		State:       a.state,
		LastTime:    a.lastTime,
		LastText:    a.lastText,
		Invocations: a.invocations,
		Dropped:     a.dropped,
		Points:      make(map[string][]expression.Sample, len(a.points)),
		Variables:   make(map[string][]expression.Sample, len(a.variables)),
	}
	snap.State.Window = append([]WindowEntry(nil), a.state.Window...)
	for id, buf := range a.points {
		snap.Points[id] = buf.clone()
	}
	for id, buf := range a.variables {
		snap.Variables[id] = buf.clone()
	}
	return snap
}

// Restore 从快照恢复，快照必须属于同一规则实例
func (a *Actor) Restore(snap Snapshot) error {
	if snap.InstanceID != a.instance.ID {
		return fmt.Errorf("快照属于实例 %s，不能恢复到 %s", snap.InstanceID, a.instance.ID)
	}
	if snap.RuleVersion != a.instance.RuleVersion {
		log.Warn().Str("instance_id", a.instance.ID).
			Int("snapshot_version", snap.RuleVersion).
			Int("rule_version", a.instance.RuleVersion).
			Msg("快照的规则版本与当前规则不一致")
	}
	a.state = snap.State
	a.state.Window = append([]WindowEntry(nil), snap.State.Window...)
	a.lastTime = snap.LastTime
	a.lastText = snap.LastText
	a.now = snap.LastTime
	a.invocations = snap.Invocations
	a.dropped = snap.Dropped
	for id, buf := range a.points {
		buf.samples = append([]expression.Sample(nil), snap.Points[id]...)
	}
	a.variables = make(map[string]*buffer, len(snap.Variables))
	for id, samples := range snap.Variables {
		a.variables[id] = &buffer{samples: append([]expression.Sample(nil), samples...)}
	}
	return nil
}
