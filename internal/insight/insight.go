package insight

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/rules"
)

// Status 洞察的处理状态
type Status string

const (
	StatusNew        Status = "New"
	StatusOpen       Status = "Open"
	StatusInProgress Status = "InProgress"
	StatusIgnored    Status = "Ignored"
	StatusResolved   Status = "Resolved"
	StatusDeleted    Status = "Deleted"
)

// ParseStatus 解析状态名称
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusNew, StatusOpen, StatusInProgress, StatusIgnored, StatusResolved, StatusDeleted} {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("未知的洞察状态: %s", s)
}

// Insight 单个规则实例的故障记录
type Insight struct {
	ID             string `json:"id"`
	RuleID         string `json:"rule_id"`
	RuleName       string `json:"rule_name"`
	EquipmentID    string `json:"equipment_id"`
	EquipmentName  string `json:"equipment_name"`
	SiteID         string `json:"site_id,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	Status         Status `json:"status"`

	// Text 最新区间的描述
	Text        string             `json:"text"`
	Occurrences []model.Occurrence `json:"occurrences"`

	ImpactScores map[string]actor.ImpactScore `json:"impact_scores,omitempty"`

	FaultedCount        int       `json:"faulted_count"`
	EarliestFaultedDate time.Time `json:"earliest_faulted_date,omitempty"`
	LastFaultedDate     time.Time `json:"last_faulted_date,omitempty"`
	IsFaulty            bool      `json:"is_faulty"`
	IsValid             bool      `json:"is_valid"`
	Invocations         int       `json:"invocations"`
	LastUpdated         time.Time `json:"last_updated"`
}

// New 为规则实例创建空洞察，ID 与实例 ID 相同
func New(inst *rules.RuleInstance) *Insight {
	return &Insight{
		ID:             inst.ID,
		RuleID:         inst.RuleID,
		RuleName:       inst.RuleName,
		EquipmentID:    inst.EquipmentID,
		EquipmentName:  inst.EquipmentName,
		SiteID:         inst.SiteID,
		Recommendation: inst.Recommendation,
		Status:         StatusNew,
		ImpactScores:   make(map[string]actor.ImpactScore),
	}
}

// Apply 合并一个时间步的结果，保持区间首尾相接且按时间排序
func (in *Insight) Apply(r actor.Result) {
	if r.Dropped {
		return
	}
	in.Invocations++
	if r.Closed != nil {
		in.upsert(*r.Closed)
	}
	in.upsert(r.Open)

	in.Text = r.Open.Text
	in.IsValid = r.Open.IsValid
	wasFaulty := in.IsFaulty
	in.IsFaulty = r.Open.IsFaulted
	if in.IsFaulty && !wasFaulty && in.Status == StatusResolved {
		in.Status = StatusOpen
		log.Info().Str("insight_id", in.ID).Msg("已解决的洞察再次故障，重新打开")
	}
	if in.ImpactScores == nil {
		in.ImpactScores = make(map[string]actor.ImpactScore)
	}
	for _, s := range r.Scores {
		in.ImpactScores[s.Name] = s
	}
	in.LastUpdated = r.Time
	in.recount()
}

func (in *Insight) upsert(o model.Occurrence) {
	n := len(in.Occurrences)
	if n == 0 {
		in.Occurrences = append(in.Occurrences, o)
		return
	}
	last := &in.Occurrences[n-1]
	switch {
	case last.Started.Equal(o.Started):
		*last = o
	case o.Started.Before(last.Started):
		log.Warn().Str("insight_id", in.ID).
			Time("started", o.Started).
			Time("last_started", last.Started).
			Msg("区间早于最后一个区间，已忽略")
	case last.SameState(o):
		if o.Ended.After(last.Ended) {
			last.Ended = o.Ended
		}
		last.Text = o.Text
	default:
		last.Ended = o.Started
		in.Occurrences = append(in.Occurrences, o)
	}
}

func (in *Insight) recount() {
	in.FaultedCount = 0
	in.EarliestFaultedDate = time.Time{}
	in.LastFaultedDate = time.Time{}
	for _, o := range in.Occurrences {
		if !o.IsFaulted {
			continue
		}
		in.FaultedCount++
		if in.EarliestFaultedDate.IsZero() {
			in.EarliestFaultedDate = o.Started
		}
		in.LastFaultedDate = o.Started
	}
}

// SetStatus 修改处理状态
func (in *Insight) SetStatus(s Status) error {
	if _, err := ParseStatus(string(s)); err != nil {
		return err
	}
	in.Status = s
	return nil
}

// Faulted 返回所有故障区间
func (in *Insight) Faulted() []model.Occurrence {
	var out []model.Occurrence
	for _, o := range in.Occurrences {
		if o.IsFaulted {
			out = append(out, o)
		}
	}
	return out
}

// FaultedDuration 故障总时长
func (in *Insight) FaultedDuration() time.Duration {
	var d time.Duration
	for _, o := range in.Faulted() {
		d += o.Duration()
	}
	return d
}

// Validate 检查区间是否连续且有序
func (in *Insight) Validate() error {
	for i := 1; i < len(in.Occurrences); i++ {
		prev, cur := in.Occurrences[i-1], in.Occurrences[i]
		if !prev.Ended.Equal(cur.Started) {
			return fmt.Errorf("区间 %d 与 %d 不连续: %s != %s", i-1, i, prev.Ended, cur.Started)
		}
		if prev.SameState(cur) {
			return fmt.Errorf("区间 %d 与 %d 状态相同未合并", i-1, i)
		}
	}
	if !sort.SliceIsSorted(in.Occurrences, func(i, j int) bool {
		return in.Occurrences[i].Started.Before(in.Occurrences[j].Started)
	}) {
		return fmt.Errorf("区间未按时间排序")
	}
	return nil
}

// Clone 深拷贝
func (in *Insight) Clone() *Insight {
	out := *in
	out.Occurrences = append([]model.Occurrence(nil), in.Occurrences...)
	out.ImpactScores = make(map[string]actor.ImpactScore, len(in.ImpactScores))
	for k, v := range in.ImpactScores {
		out.ImpactScores[k] = v
	}
	return &out
}
