package model

import "time"

// Occurrence 一段连续处于同一状态（无效/正常/故障）的时间区间
type Occurrence struct {
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended"`
	IsFaulted bool      `json:"is_faulted"`
	IsValid   bool      `json:"is_valid"`
	Text      string    `json:"text"`
}

// SameState 两段区间的状态是否相同
func (o Occurrence) SameState(other Occurrence) bool {
	return o.IsFaulted == other.IsFaulted && o.IsValid == other.IsValid
}

// Duration 区间长度
func (o Occurrence) Duration() time.Duration {
	return o.Ended.Sub(o.Started)
}

// StateName 状态名称
func (o Occurrence) StateName() string {
	switch {
	case !o.IsValid:
		return "invalid"
	case o.IsFaulted:
		return "faulted"
	default:
		return "valid"
	}
}
