package actor

import (
	"time"

	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/rules"
)

// State 规则实例的状态
type State int

const (
	StateInvalid State = iota
	StateValid
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// maxReasonLength 无效原因文本的最大长度
const maxReasonLength = 500

// Settings 故障窗口设置
type Settings struct {
	// Window 滚动窗口长度（OverHowManyHours）
	Window time.Duration
	// On 进入故障的比例阈值
	On float64
	// Off 恢复正常的比例阈值
	Off float64
}

// NewSettings 创建窗口设置，大于 1 的比例按百分数处理
func NewSettings(window time.Duration, on, off float64) Settings {
	if window < 0 {
		window = 0
	}
	return Settings{Window: window, On: fraction(on), Off: fraction(off)}
}

func fraction(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// SettingsFor 从规则实例读取窗口设置，PercentageOfTimeOff 缺省时等于 PercentageOfTime
func SettingsFor(inst *rules.RuleInstance) Settings {
	hours := inst.Setting(rules.OverHowManyHours)
	on := inst.Setting(rules.PercentageOfTime)
	off, ok := inst.Settings[rules.PercentageOfTimeOff.ID]
	if !ok {
		off = on
	}
	return NewSettings(time.Duration(hours*float64(time.Hour)), on, off)
}

// Sample 结果表达式在一个时间步的取值
type Sample struct {
	Time   time.Time
	Valid  bool
	Faulty bool
	// Reason 无效原因
	Reason string
}

// WindowEntry 窗口内的一个有效结果
type WindowEntry struct {
	Time   time.Time `json:"t"`
	Faulty bool      `json:"f"`
}

// FaultState 状态机的完整状态，可序列化
type FaultState struct {
	State   State     `json:"state"`
	Started time.Time `json:"started"`
	Reason  string    `json:"reason,omitempty"`

	// CoveredFrom 当前连续窗口中的第一个有效结果时间
	CoveredFrom time.Time     `json:"covered_from"`
	Window      []WindowEntry `json:"window,omitempty"`

	HasPrev        bool      `json:"has_prev"`
	Prev           bool      `json:"prev"`
	LastTriggerOn  time.Time `json:"last_trigger_on"`
	LastTriggerOff time.Time `json:"last_trigger_off"`
	TriggerCount   int       `json:"trigger_count"`
}

// Occurrence 当前状态对应的区间（不含文本）
func (fs FaultState) Occurrence(now time.Time) model.Occurrence {
	return model.Occurrence{
		Started:   fs.Started,
		Ended:     now,
		IsValid:   fs.State != StateInvalid,
		IsFaulted: fs.State == StateFaulted,
	}
}

// Transition 状态机单步的输出
type Transition struct {
	State    State
	Fraction float64
	Reason   string
	// Open 当前打开的区间
	Open model.Occurrence
	// Closed 发生状态切换时被关闭的区间，其 Ended 等于 Open.Started
	Closed *model.Occurrence
}

// FaultMachine 故障滞回状态机
type FaultMachine struct {
	Settings Settings
}

// NewFaultMachine 创建状态机
func NewFaultMachine(settings Settings) FaultMachine {
	return FaultMachine{Settings: settings}
}

// Step 纯函数：根据当前状态与新结果计算下一状态，不修改传入的 state
func (m FaultMachine) Step(state FaultState, s Sample) (FaultState, Transition) {
	next := state

	if !s.Valid {
		next.HasPrev = false
		return m.move(state, next, StateInvalid, s.Time, s.Time, 0, invalidReason(s.Reason))
	}

	cutoff := s.Time.Add(-m.Settings.Window)
	window := make([]WindowEntry, 0, len(state.Window)+1)
	for _, e := range state.Window {
		if e.Time.After(cutoff) {
			window = append(window, e)
		}
	}
	if len(window) == 0 {
		next.CoveredFrom = s.Time
	}
	window = append(window, WindowEntry{Time: s.Time, Faulty: s.Faulty})
	next.Window = window

	if !next.HasPrev || next.Prev != s.Faulty {
		if s.Faulty {
			next.LastTriggerOn = s.Time
			next.TriggerCount++
		} else {
			next.LastTriggerOff = s.Time
		}
	}
	next.HasPrev, next.Prev = true, s.Faulty

	faulty := 0
	for _, e := range window {
		if e.Faulty {
			faulty++
		}
	}
	f := float64(faulty) / float64(len(window))

	if s.Time.Sub(next.CoveredFrom) < m.Settings.Window {
		return m.move(state, next, StateInvalid, s.Time, s.Time, f, expression.ReasonInsufficient)
	}

	target, start := state.State, s.Time
	switch state.State {
	case StateFaulted:
		// Off 与 On 相等时为单一阈值，恰好等于阈值仍保持故障
		if f <= m.Settings.Off && f < m.Settings.On {
			target = StateValid
			if !s.Faulty && next.LastTriggerOff.After(state.Started) {
				start = next.LastTriggerOff
			}
		}
	case StateValid:
		if f >= m.Settings.On {
			target = StateFaulted
			if s.Faulty && next.LastTriggerOn.After(state.Started) {
				start = next.LastTriggerOn
			}
		}
	default:
		target = StateValid
		if f >= m.Settings.On {
			target = StateFaulted
		}
	}
	return m.move(state, next, target, start, s.Time, f, "")
}

// move 切换或延续状态，保证被关闭区间与新区间首尾相接
func (m FaultMachine) move(prev, next FaultState, target State, start, now time.Time, f float64, reason string) (FaultState, Transition) {
	tr := Transition{State: target, Fraction: f, Reason: reason}

	switch {
	case prev.Started.IsZero():
		next.State, next.Started = target, now
	case target == prev.State:
		// 同一状态只延续
	default:
		if start.Before(prev.Started) {
			start = prev.Started
		}
		closed := prev.Occurrence(start)
		tr.Closed = &closed
		next.State, next.Started = target, start
	}
	next.Reason = reason
	tr.Open = next.Occurrence(now)
	return next, tr
}

func invalidReason(reason string) string {
	if reason == "" {
		reason = expression.ReasonInvalid
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength] + "..."
	}
	return reason
}
