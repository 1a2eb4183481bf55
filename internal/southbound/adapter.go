package southbound

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/y001j/fault-engine/internal/model"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string    `json:"status"`     // "healthy", "degraded", "unhealthy"
	Message   string    `json:"message"`    // 状态描述
	LastCheck time.Time `json:"last_check"` // 最后检查时间
}

// AdapterMetrics 数据源指标
type AdapterMetrics struct {
	SamplesCollected    int64         `json:"samples_collected"`
	SamplesDropped      int64         `json:"samples_dropped"`
	ErrorsCount         int64         `json:"errors_count"`
	LastSampleTime      time.Time     `json:"last_sample_time"`
	ConnectionUptime    time.Duration `json:"connection_uptime"`
	LastError           string        `json:"last_error,omitempty"`
	AverageResponseTime float64       `json:"average_response_time"` // 毫秒
}

// Adapter 时序数据源必须实现的接口
type Adapter interface {
	// Name 返回数据源的唯一名称
	Name() string

	// Init 初始化数据源，传入JSON格式的配置
	Init(cfg json.RawMessage) error

	// Start 启动数据源，采样通过channel发送
	Start(ctx context.Context, ch chan<- model.TimedValue) error

	// Stop 停止数据源，释放资源
	Stop() error
}

// BoundedAdapter 有限数据源（CSV 文件、历史查询）。Start 返回后 Done 在数据读完时关闭。
type BoundedAdapter interface {
	Adapter
	Done() <-chan struct{}
}

// NATSAwareAdapter 需要共享NATS连接的数据源
type NATSAwareAdapter interface {
	Adapter
	SetNATSConnection(conn *nats.Conn)
}

// ExtendedAdapter 扩展接口，包含健康检查和指标
type ExtendedAdapter interface {
	Adapter
	Health() (HealthStatus, error)
	GetMetrics() (AdapterMetrics, error)
	GetLastError() error
}

// AdapterFactory 创建数据源实例的工厂函数
type AdapterFactory func() Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterFactory)
)

// Register 注册数据源类型，通常在包的 init 中调用。重复注册同一类型会 panic。
func Register(typeName string, factory AdapterFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("数据源工厂为空: " + typeName)
	}
	if _, dup := registry[typeName]; dup {
		panic("数据源类型重复注册: " + typeName)
	}
	registry[typeName] = factory
}

// Create 根据类型名创建数据源实例
func Create(typeName string) (Adapter, bool) {
	registryMu.RLock()
	factory, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Types 返回已注册的类型名，按字母排序
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
