package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/northbound"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
	"github.com/y001j/fault-engine/internal/timeseries"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBatchSize     = 256
)

// PipelineOptions 处理管道选项
type PipelineOptions struct {
	// FlushInterval 输出变化洞察与保存快照的周期
	FlushInterval time.Duration
	// BatchSize 每批交给引擎的时间步数量
	BatchSize int
	Sinks     []northbound.Sink
	Insights  store.InsightStore
	Metrics   *metrics.Metrics
}

// Pipeline 把采样流整理成时间步交给引擎，并周期性地输出结果
type Pipeline struct {
	engine   *Engine
	opts     PipelineOptions
	seq      *timeseries.Sequencer
	pending  []model.Timestep
	lateSeen int
}

// NewPipeline 创建处理管道
func NewPipeline(e *Engine, opts PipelineOptions) *Pipeline {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Pipeline{engine: e, opts: opts, seq: timeseries.NewSequencer()}
}

// Engine 返回管道驱动的引擎
func (p *Pipeline) Engine() *Engine { return p.engine }

// Run 消费采样直到通道关闭或 ctx 取消。
// 一个周期内没有新采样时，未完成的时间步也会被提交。
func (p *Pipeline) Run(ctx context.Context, in <-chan model.TimedValue) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	idle := true
	for {
		select {
		case <-ctx.Done():
			// 已处理的结果仍然输出
			p.Flush(context.WithoutCancel(ctx))
			return ctx.Err()

		case v, ok := <-in:
			if !ok {
				p.pending = append(p.pending, p.seq.Flush()...)
				err := p.process(ctx)
				return errors.Join(err, p.Flush(ctx))
			}
			idle = false
			p.pending = append(p.pending, p.seq.Add(v)...)
			if len(p.pending) >= p.opts.BatchSize {
				if err := p.process(ctx); err != nil && !actorFailure(ctx, err) {
					return err
				}
			}

		case <-ticker.C:
			if idle {
				p.pending = append(p.pending, p.seq.Flush()...)
			}
			idle = true
			if err := p.process(ctx); err != nil && !actorFailure(ctx, err) {
				return err
			}
			if err := p.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("输出洞察失败")
			}
		}
	}
}

// Replay 处理一批历史采样，采样先按时间分组，与逐条推送的结果一致
func (p *Pipeline) Replay(ctx context.Context, values []model.TimedValue) error {
	steps := timeseries.Group(values)
	log.Info().Int("samples", len(values)).Int("timesteps", len(steps)).Msg("开始回放历史数据")

	var errs []error
	for i := 0; i < len(steps); i += p.opts.BatchSize {
		end := i + p.opts.BatchSize
		if end > len(steps) {
			end = len(steps)
		}
		err := p.engine.ProcessBatch(ctx, steps[i:end])
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if !actorFailure(ctx, err) {
			break
		}
	}
	errs = append(errs, p.Flush(context.WithoutCancel(ctx)))
	return errors.Join(errs...)
}

// actorFailure 错误只来自个别实例的外部依赖失败，管道可以继续
func actorFailure(ctx context.Context, err error) bool {
	var ae *ActorError
	return ctx.Err() == nil && errors.As(err, &ae)
}

func (p *Pipeline) process(ctx context.Context) error {
	if late := p.seq.Late(); late > p.lateSeen {
		p.opts.Metrics.SampleDropped("late", late-p.lateSeen)
		p.lateSeen = late
	}
	if len(p.pending) == 0 {
		return nil
	}
	steps := p.pending
	p.pending = nil
	err := p.engine.ProcessBatch(ctx, steps)
	if actorFailure(ctx, err) {
		log.Error().Err(err).Int("timesteps", len(steps)).Msg("部分规则实例处理失败")
	}
	return err
}

// Flush 把变化的洞察写入存储并发布到所有连接器，随后保存快照。
// 单个连接器失败不影响其他连接器。
func (p *Pipeline) Flush(ctx context.Context) error {
	var errs []error
	changed := p.engine.Drain()
	if len(changed) > 0 {
		if p.opts.Insights != nil {
			if err := p.opts.Insights.SaveInsights(ctx, changed); err != nil {
				p.opts.Metrics.StoreError("insights")
				errs = append(errs, rules.NewStoreError("INSIGHT_SAVE", "保存洞察失败", err))
			}
		}
		for _, s := range p.opts.Sinks {
			err := s.Publish(changed)
			p.opts.Metrics.PublishResult(s.Name(), len(changed), err)
			if err != nil {
				log.Error().Err(err).Str("sink", s.Name()).Msg("发布洞察失败")
			}
		}
		log.Debug().Int("insights", len(changed)).Msg("洞察已输出")
	}
	if err := p.engine.SaveSnapshots(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
