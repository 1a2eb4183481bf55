package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/northbound"
	"github.com/y001j/fault-engine/internal/southbound"
)

const defaultBufferSize = 4096

// Meta 已实例化的适配器或连接器
type Meta struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Kind   string `json:"kind"` // adapter | sink
	Status string `json:"status"`
	Health string `json:"health,omitempty"`
}

type entry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// Manager 按配置创建南向适配器与北向连接器，并把所有采样汇聚到一个通道
type Manager struct {
	bus     *nats.Conn
	metrics *metrics.Metrics

	mu       sync.Mutex
	adapters map[string]southbound.Adapter
	sinks    map[string]northbound.Sink
	types    map[string]string
	running  map[string]bool
	dataChan chan model.TimedValue
	wg       sync.WaitGroup
}

// NewManager 创建管理器，bus 可以为空
func NewManager(bus *nats.Conn, m *metrics.Metrics) *Manager {
	return &Manager{
		bus:      bus,
		metrics:  m,
		adapters: make(map[string]southbound.Adapter),
		sinks:    make(map[string]northbound.Sink),
		types:    make(map[string]string),
		running:  make(map[string]bool),
		dataChan: make(chan model.TimedValue, defaultBufferSize),
	}
}

func (m *Manager) Name() string { return "plugin-manager" }

// Init 根据 southbound.adapters 与 northbound.sinks 创建并初始化所有插件
func (m *Manager) Init(cfg *config.Config) error {
	if err := m.initAdapters(cfg.Southbound.Adapters); err != nil {
		return err
	}
	return m.initSinks(cfg.Northbound.Sinks)
}

// parseEntry 读取名称、类型和启用标志；兼容把配置嵌套在 config 字段中的旧格式
func parseEntry(raw json.RawMessage) (entry, json.RawMessage, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, nil, fmt.Errorf("插件配置项格式错误: %w", err)
	}
	if e.Type == "" {
		return e, nil, fmt.Errorf("插件配置缺少类型")
	}
	if e.Name == "" {
		e.Name = e.Type
	}
	if len(e.Config) == 0 {
		return e, raw, nil
	}

	merged := make(map[string]interface{})
	if err := json.Unmarshal(e.Config, &merged); err != nil {
		return e, nil, fmt.Errorf("插件 %s 的config字段格式错误: %w", e.Name, err)
	}
	merged["name"] = e.Name
	merged["type"] = e.Type
	data, err := json.Marshal(merged)
	if err != nil {
		return e, nil, fmt.Errorf("序列化插件配置失败: %w", err)
	}
	return e, data, nil
}

func (m *Manager) initAdapters(list []json.RawMessage) error {
	for _, raw := range list {
		e, data, err := parseEntry(raw)
		if err != nil {
			return err
		}
		if e.Enabled != nil && !*e.Enabled {
			log.Info().Str("name", e.Name).Str("type", e.Type).Msg("适配器未启用，跳过初始化")
			continue
		}
		if _, dup := m.adapters[e.Name]; dup {
			return fmt.Errorf("适配器名称重复: %s", e.Name)
		}
		adapter, ok := southbound.Create(e.Type)
		if !ok {
			log.Error().Str("type", e.Type).Strs("available_types", southbound.Types()).Msg("未找到适配器类型")
			return fmt.Errorf("未找到类型为 %s 的适配器", e.Type)
		}
		if aware, ok := adapter.(southbound.NATSAwareAdapter); ok && m.bus != nil {
			aware.SetNATSConnection(m.bus)
		}
		if err := adapter.Init(data); err != nil {
			return fmt.Errorf("初始化适配器 %s 失败: %w", e.Name, err)
		}
		m.adapters[e.Name] = adapter
		m.types[e.Name] = e.Type
		log.Info().Str("name", e.Name).Str("type", e.Type).Msg("适配器初始化成功")
	}
	return nil
}

func (m *Manager) initSinks(list []json.RawMessage) error {
	for _, raw := range list {
		e, data, err := parseEntry(raw)
		if err != nil {
			return err
		}
		if e.Enabled != nil && !*e.Enabled {
			log.Info().Str("name", e.Name).Str("type", e.Type).Msg("连接器未启用，跳过初始化")
			continue
		}
		if _, dup := m.sinks[e.Name]; dup {
			return fmt.Errorf("连接器名称重复: %s", e.Name)
		}
		sink, ok := northbound.Create(e.Type)
		if !ok {
			log.Error().Str("type", e.Type).Strs("available_types", northbound.Types()).Msg("未找到连接器类型")
			return fmt.Errorf("未找到类型为 %s 的连接器", e.Type)
		}
		if aware, ok := sink.(northbound.NATSAwareSink); ok && m.bus != nil {
			aware.SetNATSConnection(m.bus)
		}
		if err := sink.Init(data); err != nil {
			return fmt.Errorf("初始化连接器 %s 失败: %w", e.Name, err)
		}
		m.sinks[e.Name] = sink
		m.types[e.Name] = e.Type
		log.Info().Str("name", e.Name).Str("type", e.Type).Msg("连接器初始化成功")
	}
	return nil
}

// Start 先启动连接器再启动适配器，单个插件启动失败只记录日志
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range sortedKeys(m.sinks) {
		if err := m.sinks[name].Start(ctx); err != nil {
			log.Error().Err(err).Str("name", name).Msg("启动连接器失败")
			continue
		}
		m.running[name] = true
	}
	for _, name := range sortedKeys(m.adapters) {
		ch := make(chan model.TimedValue, defaultBufferSize)
		if err := m.adapters[name].Start(ctx, ch); err != nil {
			log.Error().Err(err).Str("name", name).Msg("启动适配器失败")
			continue
		}
		m.running[name] = true
		m.wg.Add(1)
		go m.forward(ctx, name, ch)
	}
	log.Info().Int("adapters", len(m.adapters)).Int("sinks", len(m.sinks)).Msg("插件管理器启动完成")
	return nil
}

func (m *Manager) forward(ctx context.Context, name string, ch <-chan model.TimedValue) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			m.metrics.SampleReceived(name)
			select {
			case m.dataChan <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Samples 所有适配器的采样汇聚通道
func (m *Manager) Samples() <-chan model.TimedValue { return m.dataChan }

// Collect 运行所有有界适配器直到读取完毕，返回全部采样。
// 存在实时适配器时返回错误。
func (m *Manager) Collect(ctx context.Context) ([]model.TimedValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bounded := make(map[string]southbound.BoundedAdapter, len(m.adapters))
	for name, a := range m.adapters {
		b, ok := a.(southbound.BoundedAdapter)
		if !ok {
			return nil, fmt.Errorf("适配器 %s (%s) 不是有界数据源，不能用于回放", name, m.types[name])
		}
		bounded[name] = b
	}

	var (
		mu  sync.Mutex
		out []model.TimedValue
		wg  sync.WaitGroup
	)
	for _, name := range sortedKeys(m.adapters) {
		ch := make(chan model.TimedValue, defaultBufferSize)
		if err := m.adapters[name].Start(ctx, ch); err != nil {
			return nil, fmt.Errorf("启动适配器 %s 失败: %w", name, err)
		}
		done := bounded[name].Done()
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			var local []model.TimedValue
			defer func() {
				mu.Lock()
				out = append(out, local...)
				mu.Unlock()
				log.Info().Str("name", name).Int("samples", len(local)).Msg("适配器读取完成")
			}()
			for {
				select {
				case v := <-ch:
					m.metrics.SampleReceived(name)
					local = append(local, v)
				case <-done:
					for {
						select {
						case v := <-ch:
							m.metrics.SampleReceived(name)
							local = append(local, v)
						default:
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}(name)
	}
	wg.Wait()
	return out, ctx.Err()
}

// Stop 先停止适配器再停止连接器
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range sortedKeys(m.adapters) {
		if err := m.adapters[name].Stop(); err != nil {
			log.Error().Err(err).Str("name", name).Msg("停止适配器失败")
		}
		m.running[name] = false
	}
	m.wg.Wait()
	for _, name := range sortedKeys(m.sinks) {
		if err := m.sinks[name].Stop(); err != nil {
			log.Error().Err(err).Str("name", name).Msg("停止连接器失败")
		}
		m.running[name] = false
	}
	return nil
}

// Sinks 返回所有连接器，按名称排序
func (m *Manager) Sinks() []northbound.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]northbound.Sink, 0, len(m.sinks))
	for _, name := range sortedKeys(m.sinks) {
		out = append(out, m.sinks[name])
	}
	return out
}

// GetAdapter 按名称查找适配器
func (m *Manager) GetAdapter(name string) (southbound.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[name]
	return a, ok
}

// GetSink 按名称查找连接器
func (m *Manager) GetSink(name string) (northbound.Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[name]
	return s, ok
}

// GetPlugins 返回所有插件的状态
func (m *Manager) GetPlugins() []*Meta {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Meta
	for _, name := range sortedKeys(m.adapters) {
		meta := &Meta{Name: name, Type: m.types[name], Kind: "adapter", Status: status(m.running[name])}
		if ext, ok := m.adapters[name].(southbound.ExtendedAdapter); ok {
			if h, err := ext.Health(); err == nil {
				meta.Health = h.Status
			}
		}
		out = append(out, meta)
	}
	for _, name := range sortedKeys(m.sinks) {
		meta := &Meta{Name: name, Type: m.types[name], Kind: "sink", Status: status(m.running[name])}
		if ext, ok := m.sinks[name].(northbound.ExtendedSink); ok {
			if h, err := ext.Health(); err == nil {
				meta.Health = h.Status
			}
		}
		out = append(out, meta)
	}
	return out
}

func status(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
