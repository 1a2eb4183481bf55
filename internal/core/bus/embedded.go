package bus

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
)

// EmbeddedURL 配置中表示使用进程内 NATS 服务器的地址
const EmbeddedURL = "embedded"

// fallbackPort 默认端口被占用时使用的备用端口
const fallbackPort = 14222

// Connection NATS 连接及可选的嵌入式服务器
type Connection struct {
	Conn   *nats.Conn
	Server *server.Server
}

// Close 关闭连接并停止嵌入式服务器
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Conn != nil {
		c.Conn.Close()
	}
	if c.Server != nil {
		c.Server.Shutdown()
		c.Server.WaitForShutdown()
	}
}

// Connect 按配置连接 NATS；URL 为 embedded 时先启动进程内服务器。
// 端口上已有服务器时直接复用。
func Connect(cfg config.NATSConfig) (*Connection, error) {
	if cfg.URL != EmbeddedURL {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := dial(url)
		if err != nil {
			return nil, err
		}
		return &Connection{Conn: nc}, nil
	}

	port := cfg.Port
	if port == 0 {
		port = server.DEFAULT_PORT
	}
	url := fmt.Sprintf("nats://127.0.0.1:%d", port)
	if probe, err := nats.Connect(url, nats.Timeout(time.Second)); err == nil {
		probe.Close()
		log.Info().Str("url", url).Msg("复用已运行的 NATS 服务器")
		nc, err := dial(url)
		if err != nil {
			return nil, err
		}
		return &Connection{Conn: nc}, nil
	}

	srv, err := StartEmbedded(port, cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	nc, err := dial(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	return &Connection{Conn: nc, Server: srv}, nil
}

// StartEmbedded 启动带 JetStream 的进程内 NATS 服务器。
// port 被占用时改用备用端口；port 为 -1 时随机选择端口。
func StartEmbedded(port int, storeDir string) (*server.Server, error) {
	if port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			log.Warn().Int("port", port).Msg("端口被占用，尝试备用端口")
			port = fallbackPort
			ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return nil, fmt.Errorf("无法找到可用的端口: %w", err)
			}
		}
		ln.Close()
	}

	opts := &server.Options{
		ServerName: "fault-engine-nats",
		Host:       "127.0.0.1",
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoLog:      true,
		NoSigs:     true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("创建嵌入式 NATS 服务器失败: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("嵌入式 NATS 服务器启动超时")
	}
	log.Info().Str("url", srv.ClientURL()).Str("store_dir", storeDir).Msg("嵌入式 NATS 服务器已启动")
	return srv, nil
}

func dial(url string) (*nats.Conn, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		nc, err := nats.Connect(url,
			nats.Name("fault-engine"),
			nats.Timeout(2*time.Second),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(10),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("连接失败，重试")
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("连接 NATS 失败: %w", lastErr)
}
