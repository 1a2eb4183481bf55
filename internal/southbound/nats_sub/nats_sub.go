package nats_sub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/southbound"
)

func init() {
	southbound.Register("nats_sub", func() southbound.Adapter {
		return &NATSSubAdapter{}
	})
}

// NATSSubAdapter 订阅 NATS 主题上的遥测采样。
// 默认使用运行时共享连接，配置了 url 时自行连接。
type NATSSubAdapter struct {
	*southbound.BaseAdapter
	cfg     *config.NATSSubConfig
	conn    *nats.Conn
	ownConn bool
	sub     *nats.Subscription
	mu      sync.Mutex
}

// SetNATSConnection 设置共享的NATS连接
func (a *NATSSubAdapter) SetNATSConnection(conn *nats.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ownConn {
		a.conn = conn
	}
}

// Init 初始化
func (a *NATSSubAdapter) Init(cfg json.RawMessage) error {
	parser := config.NewParserWithDefaults(config.GetDefaultNATSSubConfig())
	c, err := parser.Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析NATS订阅配置失败: %w", err)
	}
	a.cfg = c
	a.BaseAdapter = southbound.NewBaseAdapter(c.Name, "nats_sub")
	if c.StaleAfter > 0 {
		a.SetStaleAfter(c.StaleAfter.Duration())
	}
	return nil
}

// Start 订阅主题
func (a *NATSSubAdapter) Start(ctx context.Context, ch chan<- model.TimedValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		return nil
	}
	if a.cfg.URL != "" && a.conn == nil {
		nc, err := nats.Connect(a.cfg.URL, nats.Name(a.cfg.Name), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("连接NATS失败: %w", err)
		}
		a.conn, a.ownConn = nc, true
	}
	if a.conn == nil {
		return fmt.Errorf("NATS订阅数据源 %s 没有可用连接", a.cfg.Name)
	}

	handler := func(msg *nats.Msg) {
		start := time.Now()
		values, err := model.DecodeTimedValues(msg.Data)
		if err != nil {
			a.SetLastError(err)
			log.Warn().Err(err).Str("name", a.Name()).Str("subject", msg.Subject).Msg("解析遥测消息失败")
			return
		}
		for _, v := range values {
			if v.Timestamp.IsZero() {
				v.Timestamp = start.UTC()
			}
			a.SafeSend(ch, v, start)
		}
	}

	var err error
	if a.cfg.Queue != "" {
		a.sub, err = a.conn.QueueSubscribe(a.cfg.Subject, a.cfg.Queue, handler)
	} else {
		a.sub, err = a.conn.Subscribe(a.cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("订阅主题 %s 失败: %w", a.cfg.Subject, err)
	}
	a.SetRunning(true)

	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()

	log.Info().Str("name", a.Name()).Str("subject", a.cfg.Subject).Str("queue", a.cfg.Queue).Msg("NATS订阅数据源启动")
	return nil
}

// Stop 取消订阅
func (a *NATSSubAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.Warn().Err(err).Str("name", a.Name()).Msg("取消订阅失败")
		}
		a.sub = nil
	}
	if a.ownConn && a.conn != nil {
		a.conn.Close()
		a.conn, a.ownConn = nil, false
	}
	if a.BaseAdapter != nil {
		a.SetRunning(false)
	}
	return nil
}
