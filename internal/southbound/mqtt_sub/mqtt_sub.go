package mqtt_sub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/southbound"
)

func init() {
	southbound.Register("mqtt_sub", func() southbound.Adapter {
		return &MQTTSubAdapter{}
	})
}

// MQTTSubAdapter 从外部MQTT代理订阅实时遥测
type MQTTSubAdapter struct {
	*southbound.BaseAdapter
	client  mqtt.Client
	topics  []config.MQTTTopicConfig
	stopCh  chan struct{}
	mutex   sync.Mutex
	running bool
	parser  *config.ConfigParser[config.MQTTSubConfig]
}

// Init 初始化适配器
func (a *MQTTSubAdapter) Init(cfg json.RawMessage) error {
	a.parser = config.NewParserWithDefaults(config.GetDefaultMQTTSubConfig())
	mqttConfig, err := a.parser.Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析MQTT订阅配置失败: %w", err)
	}
	return a.initWithConfig(mqttConfig)
}

func (a *MQTTSubAdapter) initWithConfig(c *config.MQTTSubConfig) error {
	a.BaseAdapter = southbound.NewBaseAdapter(c.Name, "mqtt_sub")
	if c.StaleAfter > 0 {
		a.SetStaleAfter(c.StaleAfter.Duration())
	}
	a.stopCh = make(chan struct{})

	a.topics = make([]config.MQTTTopicConfig, len(c.Topics))
	for i, t := range c.Topics {
		if t.QoS == 0 && c.DefaultQoS > 0 {
			t.QoS = c.DefaultQoS
		}
		a.topics[i] = t
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	// 同一点位的消息需要保持顺序
	opts.SetOrderMatters(true)

	name := c.Name
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		a.SetHealthStatus("healthy", "connected")
		log.Info().Str("name", name).Msg("MQTT订阅适配器连接成功")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		a.SetHealthStatus("degraded", "connection lost: "+err.Error())
		log.Error().Err(err).Str("name", name).Msg("MQTT订阅适配器连接断开")
	})

	if c.TLS != nil {
		tlsCfg, err := buildTLSConfig(c.TLS)
		if err != nil {
			return fmt.Errorf("配置TLS失败: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	a.client = mqtt.NewClient(opts)

	log.Info().
		Str("name", c.Name).
		Str("broker", c.Broker).
		Int("topics", len(a.topics)).
		Uint8("default_qos", c.DefaultQoS).
		Bool("tls_enabled", c.TLS != nil).
		Msg("MQTT订阅适配器初始化完成")
	return nil
}

// Start 连接代理并订阅所有主题
func (a *MQTTSubAdapter) Start(ctx context.Context, ch chan<- model.TimedValue) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.running {
		return nil
	}

	if token := a.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("连接MQTT代理失败: %w", token.Error())
	}
	a.running = true
	a.SetRunning(true)

	for _, topicCfg := range a.topics {
		handler := a.createMessageHandler(topicCfg, ch)
		if token := a.client.Subscribe(topicCfg.Topic, topicCfg.QoS, handler); token.Wait() && token.Error() != nil {
			a.SetLastError(token.Error())
			log.Error().Err(token.Error()).Str("name", a.Name()).Str("topic", topicCfg.Topic).Msg("订阅MQTT主题失败")
		} else {
			log.Info().Str("name", a.Name()).Str("topic", topicCfg.Topic).Uint8("qos", topicCfg.QoS).Msg("订阅MQTT主题成功")
		}
	}

	go func() {
		select {
		case <-a.stopCh:
		case <-ctx.Done():
		}
		for _, topicCfg := range a.topics {
			if token := a.client.Unsubscribe(topicCfg.Topic); token.Wait() && token.Error() != nil {
				log.Error().Err(token.Error()).Str("name", a.Name()).Str("topic", topicCfg.Topic).Msg("取消订阅MQTT主题失败")
			}
		}
		a.client.Disconnect(250)
		a.SetRunning(false)
		log.Info().Str("name", a.Name()).Msg("MQTT订阅适配器停止")
	}()

	log.Info().Str("name", a.Name()).Msg("MQTT订阅适配器启动")
	return nil
}

func (a *MQTTSubAdapter) createMessageHandler(topicCfg config.MQTTTopicConfig, ch chan<- model.TimedValue) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		start := time.Now()
		log.Trace().Str("name", a.Name()).Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("收到MQTT消息")

		values, err := DecodeMessage(topicCfg, msg.Topic(), msg.Payload(), start.UTC())
		if err != nil {
			a.SetLastError(err)
			log.Warn().Err(err).Str("name", a.Name()).Str("topic", msg.Topic()).Msg("解析MQTT消息失败")
			return
		}
		for _, v := range values {
			a.SafeSend(ch, v, start)
		}
	}
}

// DecodeMessage 解析一条遥测消息。支持纯数值、带 Path 的 JSON 对象、
// 以及自带 point_id 的采样对象或数组。未提供时间字段时使用接收时间。
func DecodeMessage(cfg config.MQTTTopicConfig, topic string, payload []byte, received time.Time) ([]model.TimedValue, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, fmt.Errorf("空消息")
	}

	pointID := cfg.PointID
	if pointID == "" && cfg.Path != "" {
		pointID = topic
	}

	if f, err := strconv.ParseFloat(text, 64); err == nil {
		if pointID == "" {
			pointID = topic
		}
		return []model.TimedValue{withUnit(model.NewTimedValue(pointID, received, f), cfg.Unit)}, nil
	}

	if pointID == "" {
		return decodeSamples(text, received, cfg.Unit)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("无法解析消息: %w", err)
	}
	path := cfg.Path
	if path == "" {
		path = "value"
	}
	raw, err := extractValue(data, path)
	if err != nil {
		return nil, err
	}

	ts := received
	if cfg.TimeField != "" {
		rawTime, err := extractValue(data, cfg.TimeField)
		if err != nil {
			return nil, err
		}
		if ts, err = parseTimestamp(rawTime); err != nil {
			return nil, err
		}
	}

	if raw == nil {
		return []model.TimedValue{withUnit(model.NewMissingValue(pointID, ts), cfg.Unit)}, nil
	}
	f, err := toFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("点位 %s: %w", pointID, err)
	}
	return []model.TimedValue{withUnit(model.NewTimedValue(pointID, ts, f), cfg.Unit)}, nil
}

func decodeSamples(text string, received time.Time, unit string) ([]model.TimedValue, error) {
	values, err := model.DecodeTimedValues([]byte(text))
	if err != nil {
		return nil, err
	}
	for i := range values {
		if values[i].Timestamp.IsZero() {
			values[i].Timestamp = received
		}
		if values[i].Unit == "" {
			values[i].Unit = unit
		}
	}
	return values, nil
}

func withUnit(v model.TimedValue, unit string) model.TimedValue {
	v.Unit = unit
	return v
}

// extractValue 按 "data.temperature" 形式的路径取值
func extractValue(data map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, fmt.Errorf("路径 %s 的部分 %s 不存在", path, part)
		}
		if i == len(parts)-1 {
			return value, nil
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("路径 %s 的部分 %s 不是一个对象", path, part)
		}
		current = next
	}
	return nil, fmt.Errorf("无效的路径: %s", path)
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("无法将字符串 '%s' 转换为数值", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("无法将类型 %T 转换为数值", v)
	}
}

// parseTimestamp 接受 RFC3339 字符串，或 Unix 秒/毫秒数值
func parseTimestamp(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("无效的时间 %q: %w", val, err)
		}
		return t.UTC(), nil
	case float64:
		if val > 1e12 {
			return time.UnixMilli(int64(val)).UTC(), nil
		}
		return time.Unix(int64(val), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("无效的时间类型 %T", v)
	}
}

func buildTLSConfig(c *config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: c.SkipVerify}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("读取CA证书文件失败: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("解析CA证书失败")
		}
		tlsCfg.RootCAs = pool
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("加载客户端证书失败: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Stop 停止适配器
func (a *MQTTSubAdapter) Stop() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.running {
		return nil
	}
	close(a.stopCh)
	a.running = false
	return nil
}
