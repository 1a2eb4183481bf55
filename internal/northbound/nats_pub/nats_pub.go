package nats_pub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/northbound"
)

func init() {
	northbound.Register("nats", func() northbound.Sink {
		return NewNATSSink()
	})
}

// NewNATSSink 创建NATS连接器
func NewNATSSink() *NATSSink {
	return &NATSSink{BaseSink: northbound.NewBaseSink("nats")}
}

// NATSSink 将洞察以 JSON 发布到 NATS 主题，可选写入 JetStream 流
type NATSSink struct {
	*northbound.BaseSink
	cfg     *config.NATSSinkConfig
	conn    *nats.Conn
	ownConn bool
	js      nats.JetStreamContext
	mu      sync.Mutex
}

// SetNATSConnection 设置共享的NATS连接
func (s *NATSSink) SetNATSConnection(conn *nats.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ownConn {
		s.conn = conn
	}
}

// Init 初始化
func (s *NATSSink) Init(cfg json.RawMessage) error {
	c, err := config.NewParserWithDefaults(config.GetDefaultNATSSinkConfig()).Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析NATS sink配置失败: %w", err)
	}
	s.cfg = c
	s.Configure(c.SinkConfig)
	log.Info().Str("name", s.Name()).Str("subject", c.Subject).Bool("jetstream", c.JetStream).Msg("NATS连接器初始化完成")
	return nil
}

// Start 建立连接，启用 JetStream 时确保流存在
func (s *NATSSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		url := s.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url,
			nats.Name(s.cfg.Name),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(10),
			nats.ReconnectWait(5*time.Second),
		)
		if err != nil {
			return fmt.Errorf("连接NATS服务器失败: %w", err)
		}
		s.conn, s.ownConn = nc, true
	}

	if s.cfg.JetStream {
		js, err := s.conn.JetStream()
		if err != nil {
			return fmt.Errorf("创建JetStream上下文失败: %w", err)
		}
		if err := ensureStream(js, s.cfg); err != nil {
			return err
		}
		s.js = js
	}

	s.SetRunning(true)
	log.Info().Str("name", s.Name()).Msg("NATS连接器启动")
	return nil
}

var placeholder = regexp.MustCompile(`\{[a-z_]+\}`)

// StreamSubject 把主题模板中的占位符换成通配符
func StreamSubject(template string) string {
	return placeholder.ReplaceAllString(template, "*")
}

func ensureStream(js nats.JetStreamContext, c *config.NATSSinkConfig) error {
	if _, err := js.StreamInfo(c.Stream); err == nil {
		log.Info().Str("stream", c.Stream).Msg("使用现有JetStream流")
		return nil
	}
	maxAge := c.MaxAge.Duration()
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     c.Stream,
		Subjects: []string{StreamSubject(c.Subject)},
		MaxAge:   maxAge,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("创建JetStream流失败: %w", err)
	}
	log.Info().Str("stream", c.Stream).Str("subject", StreamSubject(c.Subject)).Dur("max_age", maxAge).Msg("创建JetStream流")
	return nil
}

// Publish 发布洞察
func (s *NATSSink) Publish(batch []*insight.Insight) error {
	if !s.IsRunning() {
		return fmt.Errorf("NATS连接器未启动")
	}
	if len(batch) == 0 {
		return nil
	}
	return s.SafePublishBatch(batch, func(batch []*insight.Insight) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, in := range batch {
			data, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("序列化洞察失败: %w", err)
			}
			subject := northbound.RenderSubject(s.cfg.Subject, in)
			if s.js != nil {
				msgID := in.ID + ":" + strconv.FormatInt(in.LastUpdated.UnixNano(), 10) + ":" + strconv.Itoa(in.Invocations)
				if _, err := s.js.Publish(subject, data, nats.MsgId(msgID)); err != nil {
					return fmt.Errorf("发布到JetStream失败: %w", err)
				}
				continue
			}
			if err := s.conn.Publish(subject, data); err != nil {
				return fmt.Errorf("发布到NATS失败: %w", err)
			}
		}
		if s.js == nil {
			return s.conn.Flush()
		}
		return nil
	})
}

// Stop 停止
func (s *NATSSink) Stop() error {
	s.SetRunning(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownConn && s.conn != nil {
		s.conn.Close()
		s.conn, s.ownConn = nil, false
	}
	log.Info().Str("name", s.Name()).Msg("NATS连接器停止")
	return nil
}
