package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/northbound"
)

func init() {
	northbound.Register("mqtt", func() northbound.Sink {
		return NewMQTTSink()
	})
}

const publishTimeout = 10 * time.Second

// NewMQTTSink 创建MQTT连接器
func NewMQTTSink() *MQTTSink {
	return &MQTTSink{BaseSink: northbound.NewBaseSink("mqtt")}
}

// MQTTSink 将洞察发布到 MQTT 主题
type MQTTSink struct {
	*northbound.BaseSink
	cfg    *config.MQTTSinkConfig
	client mqtt.Client
}

// Message MQTT 消息体，只携带最新区间
type Message struct {
	ID            string            `json:"id"`
	RuleID        string            `json:"rule_id"`
	RuleName      string            `json:"rule_name"`
	EquipmentID   string            `json:"equipment_id"`
	EquipmentName string            `json:"equipment_name"`
	Status        insight.Status    `json:"status"`
	Text          string            `json:"text"`
	IsFaulty      bool              `json:"is_faulty"`
	IsValid       bool              `json:"is_valid"`
	FaultedCount  int               `json:"faulted_count"`
	Since         time.Time         `json:"since,omitempty"`
	Updated       time.Time         `json:"updated"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// NewMessage 由洞察生成消息
func NewMessage(in *insight.Insight, tags map[string]string) Message {
	m := Message{
		ID:            in.ID,
		RuleID:        in.RuleID,
		RuleName:      in.RuleName,
		EquipmentID:   in.EquipmentID,
		EquipmentName: in.EquipmentName,
		Status:        in.Status,
		Text:          in.Text,
		IsFaulty:      in.IsFaulty,
		IsValid:       in.IsValid,
		FaultedCount:  in.FaultedCount,
		Updated:       in.LastUpdated,
		Tags:          tags,
	}
	if n := len(in.Occurrences); n > 0 {
		m.Since = in.Occurrences[n-1].Started
	}
	return m
}

// Init 初始化
func (s *MQTTSink) Init(cfg json.RawMessage) error {
	c, err := config.NewParserWithDefaults(config.GetDefaultMQTTSinkConfig()).Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析MQTT sink配置失败: %w", err)
	}
	s.cfg = c
	s.Configure(c.SinkConfig)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	name := s.Name()
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("name", name).Msg("MQTT连接成功")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		s.HandleError(err, "MQTT连接断开")
	})

	s.client = mqtt.NewClient(opts)

	log.Info().
		Str("name", s.Name()).
		Str("broker", c.Broker).
		Str("topic", c.Topic).
		Uint8("qos", c.QoS).
		Bool("retain", c.Retain).
		Msg("MQTT连接器初始化完成")
	return nil
}

// Start 连接服务器
func (s *MQTTSink) Start(ctx context.Context) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		s.HandleError(token.Error(), "连接MQTT服务器")
		return fmt.Errorf("连接MQTT服务器失败: %w", token.Error())
	}
	s.SetRunning(true)
	log.Info().Str("name", s.Name()).Msg("MQTT连接器启动")
	return nil
}

// Publish 每个洞察发布一条消息
func (s *MQTTSink) Publish(batch []*insight.Insight) error {
	if !s.IsRunning() {
		return fmt.Errorf("MQTT连接器未启动")
	}
	if len(batch) == 0 {
		return nil
	}
	return s.SafePublishBatch(batch, func(batch []*insight.Insight) error {
		for _, in := range batch {
			data, err := json.Marshal(NewMessage(in, s.GetTags()))
			if err != nil {
				return fmt.Errorf("序列化洞察失败: %w", err)
			}
			topic := northbound.RenderSubject(s.cfg.Topic, in)
			token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, data)
			if !token.WaitTimeout(publishTimeout) {
				return fmt.Errorf("发布到主题 %s 超时", topic)
			}
			if err := token.Error(); err != nil {
				return fmt.Errorf("发布到主题 %s 失败: %w", topic, err)
			}
		}
		return nil
	})
}

// Stop 断开连接
func (s *MQTTSink) Stop() error {
	s.SetRunning(false)
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	log.Info().Str("name", s.Name()).Msg("MQTT连接器停止")
	return nil
}
