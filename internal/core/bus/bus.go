package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/model"
)

// EventSubjectPrefix 引擎事件的主题前缀
const EventSubjectPrefix = "fault.events."

// Bus 定义了内部消息总线接口
type Bus interface {
	// Publish 发布消息到指定主题
	Publish(subject string, v interface{}) error

	// PublishBatch 批量发布消息并等待服务器确认
	PublishBatch(subjects []string, messages []interface{}) error

	// Subscribe 订阅指定主题的消息
	Subscribe(subject string, handler MsgHandler) (Subscription, error)

	// Close 关闭总线
	Close() error
}

// MsgHandler 是消息处理函数类型
type MsgHandler func(msg []byte) error

// Subscription 表示一个订阅
type Subscription interface {
	// Unsubscribe 取消订阅
	Unsubscribe() error
}

// NatsBus 是基于NATS的消息总线实现
type NatsBus struct {
	conn *nats.Conn
	mu   sync.RWMutex
}

// New 在已有连接上创建总线，Close 不会关闭该连接
func New(conn *nats.Conn) *NatsBus {
	return &NatsBus{conn: conn}
}

func encode(v interface{}) ([]byte, error) {
	switch msg := v.(type) {
	case []byte:
		return msg, nil
	case string:
		return []byte(msg), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("消息序列化失败: %w", err)
		}
		return data, nil
	}
}

// Publish 实现Bus接口
func (b *NatsBus) Publish(subject string, v interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.conn == nil {
		return fmt.Errorf("总线未连接")
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

// PublishBatch 批量发布消息，单条失败只记录日志
func (b *NatsBus) PublishBatch(subjects []string, messages []interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.conn == nil {
		return fmt.Errorf("总线未连接")
	}
	if len(subjects) != len(messages) {
		return fmt.Errorf("主题和消息数量不匹配")
	}

	for i, subject := range subjects {
		data, err := encode(messages[i])
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("消息序列化失败")
			continue
		}
		if err := b.conn.Publish(subject, data); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("发布消息失败")
		}
	}
	return b.conn.Flush()
}

// Subscribe 实现Bus接口
func (b *NatsBus) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.conn == nil {
		return nil, fmt.Errorf("总线未连接")
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("处理消息失败")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("订阅主题失败: %w", err)
	}
	return sub, nil
}

// Close 实现Bus接口
func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		if err := b.conn.Flush(); err != nil {
			log.Debug().Err(err).Msg("关闭总线前刷新失败")
		}
	}
	b.conn = nil
	return nil
}

// PublishSamples 按点位把采样发布到 prefix.<point_id>
func PublishSamples(bus Bus, prefix string, values []model.TimedValue) error {
	subjects := make([]string, len(values))
	messages := make([]interface{}, len(values))
	for i, v := range values {
		subjects[i] = prefix + "." + v.PointID
		messages[i] = v
	}
	return bus.PublishBatch(subjects, messages)
}

// SubscribeSamples 订阅采样，消息可以是单个采样或采样数组
func SubscribeSamples(ctx context.Context, bus Bus, subject string, handler func([]model.TimedValue) error) (Subscription, error) {
	sub, err := bus.Subscribe(subject, func(data []byte) error {
		values, err := model.DecodeTimedValues(data)
		if err != nil {
			return fmt.Errorf("解析采样失败: %w", err)
		}
		return handler(values)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

// Event 引擎发布的运行事件
type Event struct {
	Kind     string                 `json:"kind"`
	EngineID string                 `json:"engine_id"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// PublishEvent 发布引擎事件到 fault.events.<kind>
func PublishEvent(bus Bus, evt Event) error {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	return bus.Publish(EventSubjectPrefix+evt.Kind, evt)
}
