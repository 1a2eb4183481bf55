package actor

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/ontology"
	"github.com/y001j/fault-engine/internal/rules"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

// valveInstance 阀门开度超过 90% 的规则实例
func valveInstance(t *testing.T, description string) *rules.RuleInstance {
	t.Helper()
	rule := &rules.Rule{
		ID:      "chw-valve-high",
		Version: 1,
		Parameters: []rules.RuleParameter{
			{Name: "Valve", FieldID: "valve", Expression: "[CHWV]"},
			{Name: "Result", FieldID: "result", Expression: "[valve] > 90"},
		},
		ImpactScores: []rules.RuleParameter{
			{Name: "Cost", FieldID: "cost", Expression: "[valve] * 2", Units: "USD"},
		},
		Elements: []rules.RuleUIElement{
			rules.OverHowManyHours.With(1),
			rules.PercentageOfTime.With(0.5),
		},
		Description: description,
	}
	eq := &ontology.EquipmentContext{
		ID:   "ahu-1",
		Name: "AHU 1",
		Capabilities: []ontology.Capability{
			{ID: "cap-1", Name: "CHWV", TrendID: "chwv", Unit: "%"},
		},
	}
	inst := rules.NewBinder(nil, nil).Bind(rule, eq)
	require.True(t, inst.IsValid())
	return inst
}

func valveSteps(values ...float64) []model.Timestep {
	steps := make([]model.Timestep, len(values))
	for i, v := range values {
		ts := at(15 * i)
		steps[i] = model.NewTimestep(ts, model.NewTimedValue("chwv", ts, v))
	}
	return steps
}

func TestSettingsFor(t *testing.T) {
	inst := &rules.RuleInstance{Settings: map[string]float64{"PercentageOfTime": 80}}
	s := SettingsFor(inst)
	assert.Equal(t, time.Hour, s.Window)
	assert.Equal(t, 0.8, s.On)
	assert.Equal(t, 0.8, s.Off)

	inst.Settings["PercentageOfTimeOff"] = 0.2
	inst.Settings["OverHowManyHours"] = 0.5
	s = SettingsFor(inst)
	assert.Equal(t, 30*time.Minute, s.Window)
	assert.Equal(t, 0.2, s.Off)
}

func TestFaultMachine_Hysteresis(t *testing.T) {
	m := NewFaultMachine(NewSettings(time.Hour, 0.5, 0.5))
	faulty := []bool{false, false, false, false, false, true, true, true, true, false, false, false}
	want := []State{
		StateInvalid, StateInvalid, StateInvalid, StateInvalid,
		StateValid, StateValid,
		StateFaulted, StateFaulted, StateFaulted, StateFaulted, StateFaulted,
		StateValid,
	}

	var state FaultState
	var closed []model.Occurrence
	for i, f := range faulty {
		before := state
		next, tr := m.Step(state, Sample{Time: at(15 * i), Valid: true, Faulty: f})
		assert.Equal(t, before, state, "Step must not modify its input")
		assert.Equal(t, want[i], tr.State, "step %d", i)
		if tr.Closed != nil {
			closed = append(closed, *tr.Closed)
			assert.Equal(t, tr.Closed.Ended, tr.Open.Started, "occurrences are contiguous")
		}
		state = next
	}

	require.Len(t, closed, 3)
	assert.Equal(t, at(0), closed[0].Started)
	assert.Equal(t, at(60), closed[0].Ended)
	assert.False(t, closed[0].IsValid)

	// 故障区间回溯到连续为真的起点
	assert.Equal(t, at(60), closed[1].Started)
	assert.Equal(t, at(75), closed[1].Ended)
	assert.Equal(t, at(75), closed[2].Started)
	assert.True(t, closed[2].IsFaulted)
	assert.Equal(t, at(135), closed[2].Ended)

	assert.Equal(t, StateValid, state.State)
	assert.Equal(t, at(135), state.Started)
	assert.Equal(t, 1, state.TriggerCount)
}

func TestFaultMachine_InvalidResets(t *testing.T) {
	m := NewFaultMachine(NewSettings(0, 0.5, 0.5))

	state, tr := m.Step(FaultState{}, Sample{Time: at(0), Valid: true, Faulty: true})
	assert.Equal(t, StateFaulted, tr.State)
	assert.Nil(t, tr.Closed)

	long := strings.Repeat("x", 600)
	state, tr = m.Step(state, Sample{Time: at(5), Reason: long})
	assert.Equal(t, StateInvalid, tr.State)
	require.NotNil(t, tr.Closed)
	assert.Equal(t, at(5), tr.Closed.Ended)
	assert.Len(t, tr.Reason, maxReasonLength+3)
	assert.True(t, strings.HasSuffix(tr.Reason, "..."))
	assert.False(t, state.HasPrev)

	state, tr = m.Step(state, Sample{Time: at(10), Reason: expression.ReasonMissing})
	assert.Nil(t, tr.Closed, "invalid extends invalid")
	assert.Equal(t, expression.ReasonMissing, tr.Reason)

	_, tr = m.Step(state, Sample{Time: at(20), Valid: true, Faulty: false})
	assert.Equal(t, StateValid, tr.State)
	require.NotNil(t, tr.Closed)
	assert.Equal(t, at(5), tr.Closed.Started)
	assert.Equal(t, at(20), tr.Open.Started)
}

func TestActor_ChilledWaterValve(t *testing.T) {
	inst := valveInstance(t, "Valve at {valve} for {TIME}s FAULTYTEXT(check actuator)")
	a := New(inst, nil, 0)

	var results []Result
	for _, step := range valveSteps(50, 50, 50, 50, 50, 95, 95, 95, 95, 50, 50, 50) {
		results = append(results, a.Step(step))
	}

	assert.Equal(t, "Insufficient Data", results[0].Text)
	assert.Equal(t, StateValid, results[4].State)
	assert.Equal(t, "Valve at 50.00% for 0s", results[4].Text)

	r := results[6]
	assert.Equal(t, StateFaulted, r.State)
	assert.Equal(t, at(75), r.Open.Started)
	assert.Equal(t, "Valve at 95.00% for 900s check actuator", r.Text)
	require.NotNil(t, r.Closed)
	assert.Equal(t, "Valve at 95.00% for 900s", r.Closed.Text)

	last := results[11]
	assert.Equal(t, StateValid, last.State)
	assert.Equal(t, at(135), last.Open.Started)
	assert.Equal(t, "Valve at 50.00% for 1800s", last.Text)

	require.Len(t, last.Scores, 1)
	assert.Equal(t, ImpactScore{Name: "Cost", FieldID: "cost", Value: 100, Unit: "USD"}, last.Scores[0])
	assert.Equal(t, 12, a.Invocations())
}

func TestActor_DeclaredUnitOverridesInferred(t *testing.T) {
	a := New(valveInstance(t, "cost {cost} at {valve}"), nil, 0)

	var r Result
	for _, step := range valveSteps(50, 50, 50, 50, 50) {
		r = a.Step(step)
	}
	require.Equal(t, StateValid, r.State)
	assert.Equal(t, "cost 100.00 USD at 50.00%", r.Text)
	assert.Equal(t, "USD", r.Values["cost"].Unit)
	assert.Equal(t, "%", r.Values["valve"].Unit, "no declared unit keeps the inferred one")
}

func TestFaultMachine_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		name string
		on   float64
		off  float64
		want State
	}{
		// 只配置 PercentageOfTime 时是单一阈值：比例等于阈值仍算故障
		{name: "single threshold holds at boundary", on: 0.5, off: 0.5, want: StateFaulted},
		{name: "off threshold releases at boundary", on: 0.75, off: 0.5, want: StateValid},
		{name: "above off threshold holds", on: 0.75, off: 0.25, want: StateFaulted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewFaultMachine(NewSettings(time.Hour, tt.on, tt.off))
			var state FaultState
			var tr Transition
			// 窗口内 4 个样本全部为真，进入故障
			for i := 0; i < 5; i++ {
				state, tr = m.Step(state, Sample{Time: at(15 * i), Valid: true, Faulty: true})
			}
			require.Equal(t, StateFaulted, tr.State)

			// 两个为假后窗口比例正好是 0.5
			state, _ = m.Step(state, Sample{Time: at(75), Valid: true, Faulty: false})
			_, tr = m.Step(state, Sample{Time: at(90), Valid: true, Faulty: false})
			assert.Equal(t, 0.5, tr.Fraction)
			assert.Equal(t, tt.want, tr.State)
		})
	}
}

// outageFunction 透传参数，down 为真时模拟外部模型服务不可用
type outageFunction struct{ down bool }

func (f *outageFunction) Name() string        { return "REMOTE" }
func (f *outageFunction) Description() string { return "remote scoring" }
func (f *outageFunction) Arity() (int, int)   { return 1, 1 }
func (f *outageFunction) Call(args ...expression.Value) expression.Value {
	return f.CallEnv(nil, args...)
}
func (f *outageFunction) CallEnv(env expression.Env, args ...expression.Value) expression.Value {
	if f.down {
		expression.ReportError(env, errors.New("scoring service unavailable"))
		return expression.FailedValue("scoring service unavailable")
	}
	return args[0]
}

func TestActor_ExternalFailureLeavesStateUntouched(t *testing.T) {
	remote := &outageFunction{}
	functions := expression.NewFunctions()
	functions.Register(remote)

	rule := &rules.Rule{
		ID: "remote-valve",
		Parameters: []rules.RuleParameter{
			{Name: "Valve", FieldID: "valve", Expression: "[CHWV]"},
			{Name: "Result", FieldID: "result", Expression: "REMOTE([valve]) > 90"},
		},
		Elements: []rules.RuleUIElement{rules.OverHowManyHours.With(0), rules.PercentageOfTime.With(0.5)},
	}
	eq := &ontology.EquipmentContext{ID: "ahu-1", Capabilities: []ontology.Capability{{Name: "CHWV", TrendID: "chwv"}}}
	inst := rules.NewBinder(nil, functions).Bind(rule, eq)
	require.True(t, inst.IsValid())

	a := New(inst, expression.NewEvaluator(functions), 0)
	steps := valveSteps(50, 95)
	require.NoError(t, a.Step(steps[0]).Err)

	remote.down = true
	r := a.Step(steps[1])
	require.Error(t, r.Err)
	assert.Equal(t, 1, a.Invocations())
	assert.Equal(t, at(0), a.LastTime())
	assert.Equal(t, StateValid, r.State)

	remote.down = false
	r = a.Step(steps[1])
	require.NoError(t, r.Err)
	assert.Equal(t, StateFaulted, r.State)
	assert.Equal(t, 2, a.Invocations())
}

func TestActor_TransientSuppression(t *testing.T) {
	inst := valveInstance(t, "")
	a := New(inst, nil, 0)
	for _, step := range valveSteps(50, 50, 50, 50, 50, 99, 50, 50, 50, 99, 50, 50) {
		r := a.Step(step)
		assert.NotEqual(t, StateFaulted, r.State, "single spikes never fault")
	}
}

func TestActor_Staleness(t *testing.T) {
	inst := valveInstance(t, "")
	a := New(inst, nil, 20*time.Minute)

	a.Step(model.NewTimestep(at(0), model.NewTimedValue("chwv", at(0), 50)))
	r := a.Step(model.NewTimestep(at(10)))
	assert.Equal(t, "Insufficient Data", r.Text, "last sample still fresh")

	r = a.Step(model.NewTimestep(at(30)))
	assert.Equal(t, StateInvalid, r.State)
	assert.Equal(t, expression.ReasonMissing, r.Text)

	r = a.Step(model.NewTimestep(at(40), model.NewMissingValue("chwv", at(40))))
	assert.Equal(t, expression.ReasonMissing, r.Text)
}

func TestActor_FailedBinding(t *testing.T) {
	rule := &rules.Rule{
		ID:         "broken",
		Parameters: []rules.RuleParameter{{Name: "Result", FieldID: "result", Expression: "[Nowhere] > 1"}},
	}
	inst := rules.NewBinder(nil, nil).Bind(rule, &ontology.EquipmentContext{ID: "eq"})
	require.False(t, inst.IsValid())

	r := New(inst, nil, 0).Step(model.NewTimestep(at(0)))
	assert.Equal(t, StateInvalid, r.State)
	assert.Equal(t, rules.MsgNoTwinMatches, r.Text)
}

func TestActor_DropsOutOfOrder(t *testing.T) {
	a := New(valveInstance(t, ""), nil, 0)
	steps := valveSteps(50, 50, 50)
	a.Step(steps[0])
	a.Step(steps[2])

	r := a.Step(steps[1])
	assert.True(t, r.Dropped)
	r = a.Step(steps[2])
	assert.True(t, r.Dropped)
	assert.Equal(t, 2, a.Dropped())
	assert.Equal(t, 2, a.Invocations())
	assert.Equal(t, at(30), a.LastTime())
}

func TestActor_SnapshotRestore(t *testing.T) {
	inst := valveInstance(t, "Valve at {valve} for {TIME}s")
	steps := valveSteps(50, 50, 50, 50, 50, 95, 95, 95, 95, 50, 50, 50, 95, 95)

	original := New(inst, nil, 0)
	for _, s := range steps[:7] {
		original.Step(s)
	}
	snap := original.Snapshot()

	// 快照经过 JSON 往返后依然可以恢复
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	var first, second []Result
	for _, s := range steps[7:] {
		first = append(first, original.Step(s))
	}

	resumed := New(inst, nil, 0)
	require.NoError(t, resumed.Restore(decoded))
	for _, s := range steps[7:] {
		second = append(second, resumed.Step(s))
	}

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].State, second[i].State)
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.True(t, first[i].Open.Started.Equal(second[i].Open.Started))
		assert.Equal(t, first[i].Closed != nil, second[i].Closed != nil)
	}

	other := New(&rules.RuleInstance{ID: "other"}, nil, 0)
	assert.Error(t, other.Restore(snap))
}

func TestRender(t *testing.T) {
	values := map[string]expression.Value{
		"temp":  expression.NumberValue(21.456, "degC"),
		"pct":   expression.NumberValue(0.5, "%"),
		"mode":  expression.StringValue("auto"),
		"plain": expression.NumberValue(3, ""),
	}
	lookup := func(name string) (expression.Value, bool) {
		v, ok := values[strings.ToLower(name)]
		return v, ok
	}

	tests := []struct {
		name     string
		template string
		faulted  bool
		want     string
	}{
		{name: "unit", template: "Temp {temp}", want: "Temp 21.46 degC"},
		{name: "percent", template: "{PCT} open", want: "0.50% open"},
		{name: "string", template: "mode {mode}", want: "mode auto"},
		{name: "unitless", template: "{plain}", want: "3.00"},
		{name: "time", template: "for {TIME} seconds", want: "for 90 seconds"},
		{name: "unknown", template: "{nope}", want: "{nope}"},
		{name: "faulty shown", template: "hot FAULTYTEXT(call tech)", faulted: true, want: "hot call tech"},
		{name: "faulty hidden", template: "hot FAULTYTEXT(call tech) now", want: "hot now"},
		{name: "empty", template: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.template, lookup, 90*time.Second, tt.faulted))
		})
	}
}

// chilledWaterSeries 2023-01-25 起每 15 分钟一个采样，
// 阀门在 01-26 19:15 至 01-27 22:00 之间保持在 90% 以上
func chilledWaterSeries(from, to time.Time) []model.Timestep {
	stuckFrom := time.Date(2023, 1, 26, 19, 15, 0, 0, time.UTC)
	stuckTo := time.Date(2023, 1, 27, 22, 0, 0, 0, time.UTC)
	var steps []model.Timestep
	for ts := from; !ts.After(to); ts = ts.Add(15 * time.Minute) {
		v := 40.0
		if !ts.Before(stuckFrom) && ts.Before(stuckTo) {
			v = 95
		}
		steps = append(steps, model.NewTimestep(ts, model.NewTimedValue("chwv", ts, v)))
	}
	return steps
}

func chilledWaterInstance(t *testing.T) *rules.RuleInstance {
	t.Helper()
	rule := &rules.Rule{
		ID:      "chw-valve-stuck",
		Version: 1,
		Parameters: []rules.RuleParameter{
			{Name: "Value", FieldID: "value", Expression: "[CHWV]"},
			{Name: "Result", FieldID: "result", Expression: "[value] > 90"},
		},
		ImpactScores: []rules.RuleParameter{
			{Name: "Impact", FieldID: "impact", Expression: "[value] * 2", Units: "USD"},
		},
		Elements: []rules.RuleUIElement{
			rules.OverHowManyHours.With(1),
			rules.PercentageOfTime.With(0.9),
		},
		Description: "{value} {impact} {TIME} FAULTYTEXT(faulty)",
	}
	eq := &ontology.EquipmentContext{
		ID:           "ahu-7",
		Name:         "AHU 7",
		Capabilities: []ontology.Capability{{ID: "cap-chwv", Name: "CHWV", TrendID: "chwv", Unit: "%"}},
	}
	inst := rules.NewBinder(nil, nil).Bind(rule, eq)
	require.True(t, inst.IsValid())
	return inst
}

type span struct {
	State string
	From  time.Time
	To    time.Time
}

func TestActor_ChilledWaterScenario(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2023, 1, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name     string
		from     time.Time
		to       time.Time
		want     []span
		wantText string
	}{
		{
			name: "full series",
			from: day(25, 0, 0),
			to:   day(28, 0, 0),
			want: []span{
				{"invalid", day(25, 0, 0), day(25, 1, 0)},
				{"valid", day(25, 1, 0), day(26, 19, 15)},
				{"faulted", day(26, 19, 15), day(27, 22, 0)},
				{"valid", day(27, 22, 0), day(28, 0, 0)},
			},
			wantText: "40.00% 80.00 USD 7200",
		},
		{
			name: "ends while faulted",
			from: day(25, 0, 0),
			to:   day(27, 12, 0),
			want: []span{
				{"invalid", day(25, 0, 0), day(25, 1, 0)},
				{"valid", day(25, 1, 0), day(26, 19, 15)},
				{"faulted", day(26, 19, 15), day(27, 12, 0)},
			},
			wantText: "95.00% 190.00 USD 60300 faulty",
		},
		{
			// 没有之前的状态，从后一段窗口重新开始
			name: "later window after cleared state",
			from: day(27, 0, 0),
			to:   day(28, 0, 0),
			want: []span{
				{"invalid", day(27, 0, 0), day(27, 1, 0)},
				{"faulted", day(27, 1, 0), day(27, 22, 0)},
				{"valid", day(27, 22, 0), day(28, 0, 0)},
			},
			wantText: "40.00% 80.00 USD 7200",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(chilledWaterInstance(t), nil, 0)

			var got []span
			var last Result
			for _, step := range chilledWaterSeries(tt.from, tt.to) {
				last = a.Step(step)
				if last.Closed != nil {
					got = append(got, span{last.Closed.StateName(), last.Closed.Started, last.Closed.Ended})
				}
			}
			got = append(got, span{last.Open.StateName(), last.Open.Started, last.Open.Ended})

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantText, last.Text)
			assert.False(t, last.Open.Ended.Before(tt.to), "the last occurrence reaches the last sample")

			for _, s := range got {
				if s.State != "faulted" {
					continue
				}
				assert.True(t, s.From.After(day(26, 19, 0)))
				assert.True(t, s.To.Before(day(28, 0, 0)))
			}
		})
	}
}
