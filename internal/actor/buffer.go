package actor

import (
	"sort"
	"time"

	"github.com/y001j/fault-engine/internal/expression"
)

// buffer 按时间升序的历史值
type buffer struct {
	samples []expression.Sample
}

func (b *buffer) add(t time.Time, v expression.Value) {
	n := len(b.samples)
	if n > 0 && !t.After(b.samples[n-1].Time) {
		if t.Equal(b.samples[n-1].Time) {
			b.samples[n-1].Value = v
		}
		return
	}
	b.samples = append(b.samples, expression.Sample{Time: t, Value: v})
}

func (b *buffer) last() (expression.Sample, bool) {
	if len(b.samples) == 0 {
		return expression.Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// between 返回 [from, to] 内的样本
func (b *buffer) between(from, to time.Time) []expression.Sample {
	lo := sort.Search(len(b.samples), func(i int) bool { return !b.samples[i].Time.Before(from) })
	hi := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Time.After(to) })
	if lo >= hi {
		return nil
	}
	return b.samples[lo:hi]
}

// prune 删除早于 before 的样本，但保留最后一个样本
func (b *buffer) prune(before time.Time) {
	i := sort.Search(len(b.samples), func(i int) bool { return !b.samples[i].Time.Before(before) })
	if i >= len(b.samples) {
		i = len(b.samples) - 1
	}
	if i > 0 {
		b.samples = append(b.samples[:0:0], b.samples[i:]...)
	}
}

func (b *buffer) clone() []expression.Sample {
	return append([]expression.Sample(nil), b.samples...)
}
