package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/core/bus"
	"github.com/y001j/fault-engine/internal/engine"
	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/monitoring"
	"github.com/y001j/fault-engine/internal/plugin"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
	"github.com/y001j/fault-engine/internal/web/api"
)

const (
	inputBufferSize  = 8192
	rulesQuietPeriod = 200 * time.Millisecond
)

type Service interface {
	Name() string
	Init(cfg any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runtime 常驻运行时：总线、存储、插件、引擎和 Web 服务
type Runtime struct {
	Config    *config.Config
	Manager   config.ConfigManager
	Conn      *bus.Connection
	Bus       *bus.NatsBus
	Metrics   *metrics.Metrics
	Insights  store.InsightStore
	Snapshots store.SnapshotStore
	Engine    *engine.Engine
	Pipeline  *engine.Pipeline
	PluginMgr *plugin.Manager
	Meta      *Metadata
	Svcs      []Service
	Mu        sync.Mutex

	input   chan model.TimedValue
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SetupLogging 设置全局日志级别
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// NewRuntime 读取配置文件并创建运行时
func NewRuntime(cfgPath string) (*Runtime, error) {
	cfg, mgr, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	SetupLogging(cfg.Engine.LogLevel)
	return New(cfg, mgr)
}

// New 按配置连接总线、打开存储并初始化插件，mgr 为空时不支持配置热加载
func New(cfg *config.Config, mgr config.ConfigManager) (*Runtime, error) {
	conn, err := bus.Connect(cfg.NATS)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:  cfg,
		Manager: mgr,
		Conn:    conn,
		Bus:     bus.New(conn.Conn),
		Metrics: metrics.New(),
		input:   make(chan model.TimedValue, inputBufferSize),
	}

	fail := func(err error) (*Runtime, error) {
		rt.close()
		return nil, err
	}
	if rt.Insights, err = store.OpenInsightStore(cfg); err != nil {
		return fail(err)
	}
	if rt.Snapshots, err = store.OpenSnapshotStore(context.Background(), cfg); err != nil {
		return fail(err)
	}

	rt.PluginMgr = plugin.NewManager(conn.Conn, rt.Metrics)
	if err := rt.PluginMgr.Init(cfg); err != nil {
		return fail(fmt.Errorf("初始化插件管理器失败: %w", err))
	}
	return rt, nil
}

func (r *Runtime) RegisterService(svc Service) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.Svcs = append(r.Svcs, svc)
}

// Start 加载元数据与规则，启动插件、遥测订阅、流水线和注册的服务
func (r *Runtime) Start(ctx context.Context) error {
	r.started = time.Now()
	md, err := LoadMetadata(r.Config)
	if err != nil {
		return err
	}
	r.Meta = md

	r.Engine = engine.New(engine.Options{
		Workers:      r.Config.Engine.Workers,
		MaxSampleAge: r.Config.MaxSampleAge(),
		Ontology:     md.Ontology,
		Functions:    md.Functions,
		Snapshots:    r.Snapshots,
		Insights:     r.Insights,
		Metrics:      r.Metrics,
	})
	if _, err := r.reload(ctx, "startup"); err != nil {
		return err
	}
	r.Pipeline = engine.NewPipeline(r.Engine, engine.PipelineOptions{
		FlushInterval: r.Config.Engine.FlushInterval.Duration(),
		Sinks:         r.PluginMgr.Sinks(),
		Insights:      r.Insights,
		Metrics:       r.Metrics,
	})

	ctx, r.cancel = context.WithCancel(ctx)

	if err := r.PluginMgr.Start(ctx); err != nil {
		return fmt.Errorf("启动插件管理器失败: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.forward(ctx, r.PluginMgr.Samples())
	}()

	if subject := r.Config.NATS.TelemetrySubject; subject != "" {
		if _, err := bus.SubscribeSamples(ctx, r.Bus, subject, r.accept); err != nil {
			return err
		}
		log.Info().Str("subject", subject).Msg("已订阅遥测主题")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Pipeline.Run(ctx, r.input); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("流水线异常退出")
		}
	}()

	if r.Config.Rules.Watch {
		if err := r.watchRules(ctx); err != nil {
			log.Warn().Err(err).Msg("规则目录监控启动失败，规则变更需要重启生效")
		}
	}
	r.watchConfig()

	if r.Config.Engine.HTTPPort > 0 {
		r.RegisterService(NewWebService(r.Config.Engine.HTTPPort, r.webDeps()))
	}
	for _, s := range r.Svcs {
		if err := s.Init(r.Config); err != nil {
			return fmt.Errorf("服务 %s 初始化失败: %w", s.Name(), err)
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("服务 %s 启动失败: %w", s.Name(), err)
		}
	}

	r.publishEvent("started", map[string]interface{}{"instances": r.Engine.Stats().Instances})
	log.Info().Str("engine_id", r.Config.Engine.ID).Msg("故障引擎已启动")
	return nil
}

func (r *Runtime) webDeps() api.Deps {
	return api.Deps{
		EngineID: r.Config.Engine.ID,
		Started:  r.started,
		Engine:   r.Engine,
		Store:    r.Insights,
		Plugins:  r.PluginMgr,
		Metrics:  r.Metrics,
		System:   monitoring.NewCollector(monitoring.Config{}),
		Bus:      r.Conn.Conn,
	}
}

// accept 接收总线上的遥测，缓冲区满时丢弃
func (r *Runtime) accept(values []model.TimedValue) error {
	for _, v := range values {
		r.Metrics.SampleReceived("nats")
		select {
		case r.input <- v:
		default:
			r.Metrics.SampleDropped("overflow", 1)
		}
	}
	return nil
}

func (r *Runtime) forward(ctx context.Context, in <-chan model.TimedValue) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-in:
			select {
			case r.input <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

// reload 按当前规则集重新加载引擎
func (r *Runtime) reload(ctx context.Context, reason string) (engine.LoadReport, error) {
	report, err := r.Engine.Load(ctx, r.Meta.Rules.GetEnabledRules(), r.Meta.Equipment)
	if err != nil {
		return report, err
	}
	st := r.Engine.Stats()
	r.Metrics.SetInstances(st.Instances-st.Invalid, st.Invalid)
	log.Info().Str("reason", reason).
		Int("instances", report.Instances).
		Int("invalid", report.Invalid).
		Int("restored", report.Restored).
		Int("removed", report.Removed).
		Msg("规则实例已加载")
	return report, nil
}

func (r *Runtime) watchRules(ctx context.Context) error {
	changes, err := r.Meta.Rules.WatchChanges()
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-changes:
				if !ok {
					return
				}
				// 同一文件中的多条规则合并为一次加载
				batch := []rules.RuleChangeEvent{evt}
				quiet := time.After(rulesQuietPeriod)
			collect:
				for {
					select {
					case next, ok := <-changes:
						if !ok {
							break collect
						}
						batch = append(batch, next)
					case <-quiet:
						break collect
					}
				}
				r.applyRuleChanges(ctx, batch)
			}
		}
	}()
	return nil
}

func (r *Runtime) applyRuleChanges(ctx context.Context, batch []rules.RuleChangeEvent) {
	ids := make([]string, 0, len(batch))
	for _, evt := range batch {
		if evt.Rule != nil {
			ids = append(ids, evt.Rule.ID)
		}
	}
	report, err := r.reload(ctx, "rules_changed")
	if err != nil {
		log.Error().Err(err).Strs("rule_ids", ids).Msg("规则变更后重新加载失败")
		return
	}
	r.publishEvent("rules_reloaded", map[string]interface{}{
		"rule_ids":  ids,
		"instances": report.Instances,
		"invalid":   report.Invalid,
		"restored":  report.Restored,
	})
}

// watchConfig 日志级别支持热加载
func (r *Runtime) watchConfig() {
	if r.Manager == nil {
		return
	}
	_ = r.Manager.Watch("engine.log_level", func(v interface{}) {
		level, _ := v.(string)
		SetupLogging(level)
		log.Info().Str("level", level).Msg("日志级别已更新")
	})
	if err := r.Manager.EnableHotReload(); err != nil {
		log.Warn().Err(err).Msg("配置热加载不可用")
	}
}

func (r *Runtime) publishEvent(kind string, data map[string]interface{}) {
	if r.Bus == nil {
		return
	}
	if err := bus.PublishEvent(r.Bus, bus.Event{Kind: kind, EngineID: r.Config.Engine.ID, Data: data}); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("发布引擎事件失败")
	}
}

// Stop 停止服务与插件，等待流水线写出最后一批洞察后关闭存储和总线
func (r *Runtime) Stop(ctx context.Context) {
	r.publishEvent("stopping", nil)
	for i := len(r.Svcs) - 1; i >= 0; i-- {
		if err := r.Svcs[i].Stop(ctx); err != nil {
			log.Error().Err(err).Str("service", r.Svcs[i].Name()).Msg("停止服务失败")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.PluginMgr != nil {
		if err := r.PluginMgr.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("停止插件管理器失败")
		}
	}
	r.wg.Wait()
	r.close()
	log.Info().Msg("故障引擎已停止")
}

func (r *Runtime) close() {
	if r.Meta != nil && r.Meta.Rules != nil {
		_ = r.Meta.Rules.Close()
	}
	if r.Insights != nil {
		if err := r.Insights.Close(); err != nil {
			log.Error().Err(err).Msg("关闭洞察存储失败")
		}
	}
	if r.Snapshots != nil {
		if err := r.Snapshots.Close(); err != nil {
			log.Error().Err(err).Msg("关闭快照存储失败")
		}
	}
	if r.Bus != nil {
		_ = r.Bus.Close()
	}
	r.Conn.Close()
}

// Uptime 运行时长
func (r *Runtime) Uptime() time.Duration {
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started)
}
