// Package timeseries 将点位采样流整理成按时间排序的时间步
package timeseries

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/model"
)

// Sequencer 把相同时间戳的采样合并为一个 Timestep。
// 输入需大致按时间递增；早于当前时间步的采样计为迟到并丢弃。
type Sequencer struct {
	pending *model.Timestep
	emitted time.Time
	late    int
}

// NewSequencer 创建空的 Sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Add 加入一个采样，返回因此而完成的时间步
func (s *Sequencer) Add(v model.TimedValue) []model.Timestep {
	ts := v.Timestamp.UTC()
	switch {
	case s.pending == nil:
		if !s.emitted.IsZero() && !ts.After(s.emitted) {
			s.dropLate(v)
			return nil
		}
		step := model.NewTimestep(ts, v)
		s.pending = &step
		return nil
	case ts.Equal(s.pending.Time):
		s.pending.Add(v)
		return nil
	case ts.Before(s.pending.Time):
		s.dropLate(v)
		return nil
	default:
		done := *s.pending
		s.emitted = done.Time
		step := model.NewTimestep(ts, v)
		s.pending = &step
		return []model.Timestep{done}
	}
}

// Flush 输出尚未完成的时间步
func (s *Sequencer) Flush() []model.Timestep {
	if s.pending == nil {
		return nil
	}
	done := *s.pending
	s.emitted = done.Time
	s.pending = nil
	return []model.Timestep{done}
}

// Late 返回迟到丢弃的采样数
func (s *Sequencer) Late() int {
	return s.late
}

func (s *Sequencer) dropLate(v model.TimedValue) {
	s.late++
	log.Debug().Str("point_id", v.PointID).Time("timestamp", v.Timestamp).Msg("采样早于当前时间步，已丢弃")
}

// Group 对一批无序采样排序后分组，结果与逐条 Add 有序输入再 Flush 一致
func Group(values []model.TimedValue) []model.Timestep {
	sorted := make([]model.TimedValue, len(values))
	copy(sorted, values)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seq := NewSequencer()
	var out []model.Timestep
	for _, v := range sorted {
		out = append(out, seq.Add(v)...)
	}
	return append(out, seq.Flush()...)
}
