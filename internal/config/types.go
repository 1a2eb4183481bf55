package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Common configuration types for sources, sinks and stores

// Duration is a custom duration type that can unmarshal from string
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler interface for Duration
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
	case string:
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(duration)
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler interface for Duration
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML implements yaml.Unmarshaler interface for Duration
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}

	switch value := v.(type) {
	case int:
		*d = Duration(time.Duration(value) * time.Millisecond)
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
	case string:
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(duration)
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler interface for Duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// BaseConfig represents common configuration for all sources and sinks
type BaseConfig struct {
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Type        string            `json:"type" yaml:"type" validate:"required"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// AdapterConfig represents configuration for southbound time-series sources
type AdapterConfig struct {
	BaseConfig `json:",inline" yaml:",inline"`
	Interval   Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// StaleAfter 实时数据源多久没有采样视为降级
	StaleAfter Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// SinkConfig represents configuration for northbound insight sinks
type SinkConfig struct {
	BaseConfig   `json:",inline" yaml:",inline"`
	BatchSize    int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"min=1,max=10000"`
	BufferSize   int      `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty" validate:"min=1,max=100000"`
	FlushTimeout Duration `json:"flush_timeout,omitempty" yaml:"flush_timeout,omitempty"`
}

// CSVSourceConfig represents a bulk CSV file source: point_id,timestamp,value
type CSVSourceConfig struct {
	AdapterConfig `json:",inline" yaml:",inline"`
	Path          string `json:"path" yaml:"path" validate:"required"`
	TimeLayout    string `json:"time_layout,omitempty" yaml:"time_layout,omitempty"`
	HasHeader     bool   `json:"has_header" yaml:"has_header"`
}

// InfluxDBSourceConfig represents a historical InfluxDB query source
type InfluxDBSourceConfig struct {
	AdapterConfig `json:",inline" yaml:",inline"`
	URL           string `json:"url" yaml:"url" validate:"required,url"`
	Token         string `json:"token" yaml:"token" validate:"required"`
	Org           string `json:"org" yaml:"org" validate:"required"`
	Bucket        string `json:"bucket" yaml:"bucket" validate:"required"`
	Measurement   string `json:"measurement" yaml:"measurement" validate:"required"`
	Field         string `json:"field,omitempty" yaml:"field,omitempty"`
	PointTag      string `json:"point_tag,omitempty" yaml:"point_tag,omitempty"`
	Start         string `json:"start" yaml:"start" validate:"required"`
	Stop          string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// MQTTSubConfig represents MQTT live telemetry source configuration
type MQTTSubConfig struct {
	AdapterConfig `json:",inline" yaml:",inline"`
	Broker        string            `json:"broker" yaml:"broker" validate:"required,url"`
	ClientID      string            `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username      string            `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string            `json:"password,omitempty" yaml:"password,omitempty"`
	DefaultQoS    byte              `json:"default_qos,omitempty" yaml:"default_qos,omitempty" validate:"max=2"`
	Topics        []MQTTTopicConfig `json:"topics" yaml:"topics" validate:"required,min=1,dive"`
	TLS           *TLSConfig        `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// MQTTTopicConfig represents a subscribed topic. When PointID is empty the
// payload must carry point_id (or device_id/key) itself.
type MQTTTopicConfig struct {
	Topic     string `json:"topic" yaml:"topic" validate:"required"`
	QoS       byte   `json:"qos,omitempty" yaml:"qos,omitempty" validate:"max=2"`
	PointID   string `json:"point_id,omitempty" yaml:"point_id,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	Unit      string `json:"unit,omitempty" yaml:"unit,omitempty"`
	TimeField string `json:"time_field,omitempty" yaml:"time_field,omitempty"`
}

// NATSSubConfig represents NATS live telemetry source configuration
type NATSSubConfig struct {
	AdapterConfig `json:",inline" yaml:",inline"`
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	Subject       string `json:"subject" yaml:"subject" validate:"required"`
	Queue         string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	CAFile     string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	SkipVerify bool   `json:"skip_verify,omitempty" yaml:"skip_verify,omitempty"`
}

// MQTTSinkConfig represents MQTT insight sink configuration
type MQTTSinkConfig struct {
	SinkConfig `json:",inline" yaml:",inline"`
	Broker     string `json:"broker" yaml:"broker" validate:"required,url"`
	ClientID   string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	Topic      string `json:"topic" yaml:"topic" validate:"required"`
	QoS        byte   `json:"qos,omitempty" yaml:"qos,omitempty" validate:"max=2"`
	Retain     bool   `json:"retain,omitempty" yaml:"retain,omitempty"`
}

// InfluxDBConfig represents InfluxDB occurrence sink configuration
type InfluxDBConfig struct {
	SinkConfig    `json:",inline" yaml:",inline"`
	URL           string `json:"url" yaml:"url" validate:"required,url"`
	Token         string `json:"token" yaml:"token" validate:"required"`
	Org           string `json:"org" yaml:"org" validate:"required"`
	Bucket        string `json:"bucket" yaml:"bucket" validate:"required"`
	Measurement   string `json:"measurement,omitempty" yaml:"measurement,omitempty"`
	Precision     string `json:"precision,omitempty" yaml:"precision,omitempty" validate:"omitempty,oneof=ns us ms s"`
	FlushInterval int    `json:"flush_interval_ms,omitempty" yaml:"flush_interval_ms,omitempty" validate:"min=100"`
}

// NATSSinkConfig represents NATS insight publisher configuration
type NATSSinkConfig struct {
	SinkConfig `json:",inline" yaml:",inline"`
	URL        string   `json:"url,omitempty" yaml:"url,omitempty"`
	Subject    string   `json:"subject" yaml:"subject" validate:"required"`
	JetStream  bool     `json:"jetstream,omitempty" yaml:"jetstream,omitempty"`
	Stream     string   `json:"stream,omitempty" yaml:"stream,omitempty" validate:"required_if=JetStream true"`
	MaxAge     Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// ConsoleConfig represents Console sink configuration
type ConsoleConfig struct {
	SinkConfig `json:",inline" yaml:",inline"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=json table plain"`
	OnlyFaulty bool   `json:"only_faulty,omitempty" yaml:"only_faulty,omitempty"`
}

// RedisConfig represents Redis snapshot store configuration
type RedisConfig struct {
	Addr       string   `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password   string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB         int      `json:"db,omitempty" yaml:"db,omitempty" validate:"min=0,max=15"`
	KeyPrefix  string   `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	Expiration Duration `json:"expiration,omitempty" yaml:"expiration,omitempty"`
}

// GetDefaultCSVSourceConfig returns default values for CSV sources
func GetDefaultCSVSourceConfig() CSVSourceConfig {
	return CSVSourceConfig{
		AdapterConfig: AdapterConfig{BaseConfig: BaseConfig{Enabled: true}},
		TimeLayout:    time.RFC3339,
		HasHeader:     true,
	}
}

func GetDefaultInfluxDBSourceConfig() InfluxDBSourceConfig {
	return InfluxDBSourceConfig{
		AdapterConfig: AdapterConfig{
			BaseConfig: BaseConfig{Enabled: true},
			Timeout:    Duration(30 * time.Second),
		},
		Field:    "value",
		PointTag: "point_id",
		Stop:     "now()",
	}
}

func GetDefaultMQTTSubConfig() MQTTSubConfig {
	return MQTTSubConfig{
		AdapterConfig: AdapterConfig{BaseConfig: BaseConfig{Enabled: true}},
		ClientID:      "fault-engine-sub",
		DefaultQoS:    1,
	}
}

func GetDefaultNATSSubConfig() NATSSubConfig {
	return NATSSubConfig{
		AdapterConfig: AdapterConfig{BaseConfig: BaseConfig{Enabled: true}},
		Subject:       "telemetry.>",
	}
}

func GetDefaultMQTTSinkConfig() MQTTSinkConfig {
	return MQTTSinkConfig{
		SinkConfig: SinkConfig{
			BaseConfig:   BaseConfig{Enabled: true},
			BatchSize:    100,
			BufferSize:   1000,
			FlushTimeout: Duration(5 * time.Second),
		},
		ClientID: "fault-engine-pub",
		Topic:    "insights/{equipment_id}",
		QoS:      1,
	}
}

func GetDefaultInfluxDBConfig() InfluxDBConfig {
	return InfluxDBConfig{
		SinkConfig: SinkConfig{
			BaseConfig:   BaseConfig{Enabled: true},
			BatchSize:    1000,
			BufferSize:   10000,
			FlushTimeout: Duration(10 * time.Second),
		},
		Measurement:   "occurrences",
		Precision:     "s",
		FlushInterval: 1000,
	}
}

func GetDefaultNATSSinkConfig() NATSSinkConfig {
	return NATSSinkConfig{
		SinkConfig: SinkConfig{
			BaseConfig: BaseConfig{Enabled: true},
			BatchSize:  100,
			BufferSize: 1000,
		},
		Subject: "insights.{equipment_id}",
	}
}

func GetDefaultConsoleConfig() ConsoleConfig {
	return ConsoleConfig{
		SinkConfig: SinkConfig{
			BaseConfig: BaseConfig{Enabled: true},
			BatchSize:  1,
			BufferSize: 100,
		},
		Format: "plain",
	}
}

func GetDefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		KeyPrefix:  "fault-engine:",
		Expiration: Duration(7 * 24 * time.Hour),
	}
}
