package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ConfigManager 配置文件的读取、校验与热加载
type ConfigManager interface {
	Load() error
	Validate() error
	Get(key string) interface{}
	GetAs(key string, target interface{}) error
	// Watch 注册回调，热加载后键值发生变化时调用
	Watch(key string, callback func(interface{})) error
	EnableHotReload() error
	GetViper() *viper.Viper
}

// Manager 基于 viper 的 ConfigManager。环境变量 FAULT_<SECTION>_<KEY> 覆盖文件中的值。
type Manager struct {
	viper    *viper.Viper
	mu       sync.RWMutex
	watchers map[string][]func(interface{})
	last     map[string]interface{}
	hot      bool
}

// NewManager 创建配置管理器，configPath 为空时只使用默认值和环境变量
func NewManager(configPath string) (ConfigManager, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".json":
			v.SetConfigType("json")
		case ".yaml", ".yml", "":
			v.SetConfigType("yaml")
		default:
			return nil, fmt.Errorf("不支持的配置文件格式: %s", configPath)
		}
	}
	v.SetEnvPrefix("FAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Manager{
		viper:    v,
		watchers: make(map[string][]func(interface{})),
		last:     make(map[string]interface{}),
	}, nil
}

// Load 读取配置文件
func (m *Manager) Load() error {
	if m.viper.ConfigFileUsed() == "" {
		return nil
	}
	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	return nil
}

func (m *Manager) Validate() error {
	return validateConfig(m.viper)
}

func (m *Manager) Get(key string) interface{} {
	return m.viper.Get(key)
}

// GetAs 把 key 下的配置解码到 target，默认值、文件和环境变量合并后的结果
func (m *Manager) GetAs(key string, target interface{}) error {
	value, ok := lookupPath(m.viper.AllSettings(), strings.Split(strings.ToLower(key), "."))
	if !ok {
		value = m.viper.Get(key)
	}
	if value == nil {
		return fmt.Errorf("配置项不存在: %s", key)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化配置项 %s 失败: %w", key, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("解析配置项 %s 失败: %w", key, err)
	}
	return nil
}

func lookupPath(settings map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = settings
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (m *Manager) Watch(key string, callback func(interface{})) error {
	if key == "" || callback == nil {
		return fmt.Errorf("监听配置需要键和回调")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], callback)
	if _, seen := m.last[key]; !seen {
		m.last[key] = m.viper.Get(key)
	}
	return nil
}

// EnableHotReload 监控配置文件，变更后重新读取并通知值发生变化的键。
// 没有配置文件时不做任何事。
func (m *Manager) EnableHotReload() error {
	if m.viper.ConfigFileUsed() == "" {
		return nil
	}
	m.mu.Lock()
	if m.hot {
		m.mu.Unlock()
		return nil
	}
	m.hot = true
	m.mu.Unlock()

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("检测到配置文件变更")
		if err := m.Validate(); err != nil {
			log.Error().Err(err).Msg("新配置校验失败，保留当前设置")
			return
		}
		m.notifyChanged()
	})
	m.viper.WatchConfig()
	log.Info().Str("file", m.viper.ConfigFileUsed()).Msg("配置文件热加载已启用")
	return nil
}

func (m *Manager) notifyChanged() {
	m.mu.Lock()
	var calls []func()
	for key, callbacks := range m.watchers {
		value := m.viper.Get(key)
		if reflect.DeepEqual(value, m.last[key]) {
			continue
		}
		m.last[key] = value
		log.Info().Str("key", key).Interface("value", value).Msg("配置项已变更")
		for _, cb := range callbacks {
			cb := cb
			calls = append(calls, func() { cb(value) })
		}
	}
	m.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (m *Manager) GetViper() *viper.Viper {
	return m.viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.id", "fault-engine-001")
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_sample_age", "30m")
	v.SetDefault("engine.http_port", 8090)
	v.SetDefault("engine.flush_interval", "5s")

	v.SetDefault("rules.dir", "./rules")
	v.SetDefault("rules.watch", true)
	v.SetDefault("equipment.file", "./equipment")
	v.SetDefault("ontology.file", "")
	v.SetDefault("ml.dir", "")

	v.SetDefault("nats.url", "embedded")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.store_dir", "./data/jetstream")
	v.SetDefault("nats.telemetry_subject", "telemetry.>")

	v.SetDefault("store.insights", "sqlite")
	v.SetDefault("store.snapshots", "memory")
	v.SetDefault("sqlite.path", "./data/insights.db")
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

// validateConfig 解码前的快速检查，字段级校验由 validator 完成
func validateConfig(v *viper.Viper) error {
	if v.GetString("engine.id") == "" {
		return fmt.Errorf("engine.id 不能为空")
	}
	if v.GetString("rules.dir") == "" {
		return fmt.Errorf("rules.dir 不能为空")
	}
	if !validLogLevels[strings.ToLower(v.GetString("engine.log_level"))] {
		return fmt.Errorf("engine.log_level 必须是 trace, debug, info, warn, error, fatal 之一")
	}
	if v.GetString("store.snapshots") == "redis" && !v.IsSet("redis.addr") {
		return fmt.Errorf("store.snapshots 为 redis 时必须配置 redis.addr")
	}
	return nil
}
