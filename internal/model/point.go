package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimedValue 点位在某一时刻的采样值
type TimedValue struct {
	// 点位唯一标识（trend id 或 connector/external）
	PointID string `json:"point_id"`

	// 采样时间戳（UTC）
	Timestamp time.Time `json:"timestamp"`

	// 采样值，nil 表示该时刻没有有效值
	Value *float64 `json:"value"`

	// 单位，可选
	Unit string `json:"unit,omitempty"`

	// 质量码，0表示正常，其他值表示异常
	Quality int `json:"quality,omitempty"`
}

// NewTimedValue 创建一个有效采样
func NewTimedValue(pointID string, ts time.Time, value float64) TimedValue {
	return TimedValue{PointID: pointID, Timestamp: ts.UTC(), Value: &value}
}

// NewMissingValue 创建一个空采样
func NewMissingValue(pointID string, ts time.Time) TimedValue {
	return TimedValue{PointID: pointID, Timestamp: ts.UTC()}
}

// Valid 有值且质量码正常
func (tv TimedValue) Valid() bool {
	return tv.Value != nil && tv.Quality == 0
}

// Float 返回数值，无效采样返回 false
func (tv TimedValue) Float() (float64, bool) {
	if !tv.Valid() {
		return 0, false
	}
	return *tv.Value, true
}

func (tv TimedValue) String() string {
	if v, ok := tv.Float(); ok {
		return fmt.Sprintf("%s@%s=%g", tv.PointID, tv.Timestamp.Format(time.RFC3339), v)
	}
	return fmt.Sprintf("%s@%s=null", tv.PointID, tv.Timestamp.Format(time.RFC3339))
}

// UnmarshalJSON 兼容网关点位格式：
// {"point_id": "...", "timestamp": ..., "value": 1.2}
// {"device_id": "...", "key": "...", "timestamp": ..., "value": true}
func (tv *TimedValue) UnmarshalJSON(data []byte) error {
	temp := struct {
		PointID   string      `json:"point_id"`
		DeviceID  string      `json:"device_id"`
		Key       string      `json:"key"`
		Timestamp time.Time   `json:"timestamp"`
		Value     interface{} `json:"value"`
		Unit      string      `json:"unit"`
		Quality   int         `json:"quality"`
	}{}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	tv.PointID = temp.PointID
	if tv.PointID == "" {
		switch {
		case temp.DeviceID != "" && temp.Key != "":
			tv.PointID = temp.DeviceID + "/" + temp.Key
		case temp.Key != "":
			tv.PointID = temp.Key
		default:
			return fmt.Errorf("采样缺少点位标识")
		}
	}
	tv.Timestamp = temp.Timestamp.UTC()
	tv.Unit = temp.Unit
	tv.Quality = temp.Quality
	tv.Value = nil
	if temp.Value != nil {
		v, ok := toFloat64Value(temp.Value)
		if !ok {
			return fmt.Errorf("点位 %s 的值无法转换为数值: %v", tv.PointID, temp.Value)
		}
		tv.Value = &v
	}
	return nil
}

// toFloat64Value 尝试将interface{}转换为float64
func toFloat64Value(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Timestep 同一时间戳的所有采样
type Timestep struct {
	Time   time.Time             `json:"time"`
	Values map[string]TimedValue `json:"values"`
}

// NewTimestep 创建时间步
func NewTimestep(ts time.Time, values ...TimedValue) Timestep {
	step := Timestep{Time: ts.UTC(), Values: make(map[string]TimedValue, len(values))}
	for _, v := range values {
		step.Add(v)
	}
	return step
}

// Add 加入采样，同一点位后到的值覆盖先到的值
func (s *Timestep) Add(v TimedValue) {
	if s.Values == nil {
		s.Values = make(map[string]TimedValue)
	}
	s.Values[v.PointID] = v
}

// Get 获取点位采样
func (s Timestep) Get(pointID string) (TimedValue, bool) {
	v, ok := s.Values[pointID]
	return v, ok
}

// PointIDs 按字典序返回包含的点位
func (s Timestep) PointIDs() []string {
	ids := make([]string, 0, len(s.Values))
	for id := range s.Values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter 只保留给定点位的采样
func (s Timestep) Filter(pointIDs map[string]bool) Timestep {
	out := Timestep{Time: s.Time, Values: make(map[string]TimedValue)}
	for id, v := range s.Values {
		if pointIDs[id] {
			out.Values[id] = v
		}
	}
	return out
}

// DecodeTimedValues 解析单个采样对象或采样数组
func DecodeTimedValues(data []byte) ([]TimedValue, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var values []TimedValue
		if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
			return nil, fmt.Errorf("无法解析采样数组: %w", err)
		}
		return values, nil
	}
	var v TimedValue
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, fmt.Errorf("无法解析采样: %w", err)
	}
	return []TimedValue{v}, nil
}
