package northbound

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/y001j/fault-engine/internal/insight"
)

// Sink 洞察输出必须实现的接口
type Sink interface {
	// Name 返回连接器的唯一名称
	Name() string

	// Init 初始化连接器，传入JSON格式的配置
	Init(cfg json.RawMessage) error

	// Start 启动连接器
	Start(ctx context.Context) error

	// Publish 发布一批发生变化的洞察
	Publish(batch []*insight.Insight) error

	// Stop 停止连接器，释放资源
	Stop() error
}

// NATSAwareSink 需要共享NATS连接的连接器
type NATSAwareSink interface {
	Sink
	SetNATSConnection(conn *nats.Conn)
}

// SinkFactory 创建连接器实例的工厂函数
type SinkFactory func() Sink

var (
	registryMu sync.RWMutex
	registry   = make(map[string]SinkFactory)
)

// Register 注册连接器类型，通常在包的 init 中调用。重复注册同一类型会 panic。
func Register(typeName string, factory SinkFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("连接器工厂为空: " + typeName)
	}
	if _, dup := registry[typeName]; dup {
		panic("连接器类型重复注册: " + typeName)
	}
	registry[typeName] = factory
}

// Create 根据类型名创建连接器实例
func Create(typeName string) (Sink, bool) {
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
