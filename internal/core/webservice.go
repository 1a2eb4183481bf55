package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/web/api"
)

// WebService 提供查询洞察和运行状态的 HTTP API
type WebService struct {
	server *http.Server
	deps   api.Deps
	addr   string
	ln     net.Listener
}

// NewWebService 创建 Web 服务，端口为 0 时由系统分配
func NewWebService(port int, deps api.Deps) *WebService {
	return &WebService{deps: deps, addr: fmt.Sprintf(":%d", port)}
}

func (ws *WebService) Name() string {
	return "web"
}

func (ws *WebService) Init(cfg any) error {
	if ws.deps.Engine == nil {
		return fmt.Errorf("Web服务缺少引擎")
	}
	ws.server = &http.Server{
		Handler:      api.NewRouter(ws.deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return nil
}

func (ws *WebService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", ws.addr, err)
	}
	ws.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("Web服务已启动")

	go func() {
		if err := ws.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", ws.addr).Msg("Web服务异常退出")
		}
	}()
	return nil
}

// Addr 实际监听地址
func (ws *WebService) Addr() string {
	if ws.ln == nil {
		return ws.addr
	}
	return ws.ln.Addr().String()
}

func (ws *WebService) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web服务关闭失败")
		return err
	}
	log.Info().Msg("Web服务已停止")
	return nil
}
