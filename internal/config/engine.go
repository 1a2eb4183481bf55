package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// EngineConfig represents the engine section
type EngineConfig struct {
	ID            string   `json:"id" yaml:"id" validate:"required"`
	LogLevel      string   `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	Workers       int      `json:"workers" yaml:"workers" validate:"min=1,max=1024"`
	MaxSampleAge  Duration `json:"max_sample_age" yaml:"max_sample_age"`
	HTTPPort      int      `json:"http_port" yaml:"http_port" validate:"min=0,max=65535"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// RulesConfig represents the rules section
type RulesConfig struct {
	Dir   string `json:"dir" yaml:"dir" validate:"required"`
	Watch bool   `json:"watch" yaml:"watch"`
}

// PathConfig represents a file or directory reference
type PathConfig struct {
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	Dir  string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// NATSConfig represents the bus section; URL "embedded" starts an in-process server
type NATSConfig struct {
	URL              string `json:"url" yaml:"url" validate:"required"`
	Port             int    `json:"port" yaml:"port" validate:"min=0,max=65535"`
	StoreDir         string `json:"store_dir" yaml:"store_dir"`
	TelemetrySubject string `json:"telemetry_subject" yaml:"telemetry_subject"`
}

// StoreConfig selects persistence backends
type StoreConfig struct {
	Insights  string `json:"insights" yaml:"insights" validate:"oneof=memory sqlite"`
	Snapshots string `json:"snapshots" yaml:"snapshots" validate:"oneof=memory redis"`
}

// SQLiteConfig represents the sqlite section
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path" validate:"required"`
}

// Config is the typed view of the whole configuration file
type Config struct {
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Rules      RulesConfig      `json:"rules" yaml:"rules"`
	Equipment  PathConfig       `json:"equipment" yaml:"equipment"`
	Ontology   PathConfig       `json:"ontology" yaml:"ontology"`
	ML         PathConfig       `json:"ml" yaml:"ml"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	SQLite     SQLiteConfig     `json:"sqlite" yaml:"sqlite"`
	Redis      *RedisConfig     `json:"redis,omitempty" yaml:"redis,omitempty"`
	Southbound SouthboundConfig `json:"southbound" yaml:"southbound"`
	Northbound NorthboundConfig `json:"northbound" yaml:"northbound"`
}

// SouthboundConfig lists the raw time-series source definitions
type SouthboundConfig struct {
	Adapters []json.RawMessage `json:"adapters,omitempty" yaml:"adapters,omitempty"`
}

// NorthboundConfig lists the raw insight sink definitions
type NorthboundConfig struct {
	Sinks []json.RawMessage `json:"sinks,omitempty" yaml:"sinks,omitempty"`
}

// MaxSampleAge returns the staleness limit with its default applied
func (c *Config) MaxSampleAge() time.Duration {
	if d := c.Engine.MaxSampleAge.Duration(); d > 0 {
		return d
	}
	return 30 * time.Minute
}

// Load reads, validates and decodes the configuration file. An empty path yields defaults.
func Load(path string) (*Config, ConfigManager, error) {
	mgr, err := NewManager(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(); err != nil {
		return nil, nil, err
	}
	if err := mgr.Validate(); err != nil {
		return nil, nil, fmt.Errorf("配置校验失败: %w", err)
	}

	var cfg Config
	settings := mgr.GetViper().AllSettings()
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.Redis != nil && cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = GetDefaultRedisConfig().KeyPrefix
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, mgr, nil
}
