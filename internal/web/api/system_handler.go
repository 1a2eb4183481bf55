package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/monitoring"
	"github.com/y001j/fault-engine/internal/plugin"
	"github.com/y001j/fault-engine/internal/web/models"
)

// PluginLister 提供插件状态
type PluginLister interface {
	GetPlugins() []*plugin.Meta
}

// SystemHandler 健康检查与运行状态
type SystemHandler struct {
	*BaseHandler
	engineID string
	started  time.Time
	engine   Engine
	plugins  PluginLister
	system   *monitoring.Collector
	bus      *nats.Conn
}

// Health 健康检查，资源超限或 NATS 断开时返回 503
func (h *SystemHandler) Health(c *gin.Context) {
	resp := models.HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), NATS: "disabled"}
	if h.bus != nil {
		resp.NATS = h.bus.Status().String()
		if !h.bus.IsConnected() {
			resp.Issues = append(resp.Issues, "NATS disconnected")
		}
	}
	if h.system != nil {
		m, err := h.system.Collect(c.Request.Context())
		if err != nil {
			log.Warn().Err(err).Msg("采集系统指标失败")
		} else {
			resp.Issues = append(resp.Issues, h.system.Check(m)...)
		}
	}
	code := http.StatusOK
	if len(resp.Issues) > 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Status 返回引擎统计、插件状态和系统指标
func (h *SystemHandler) Status(c *gin.Context) {
	resp := models.StatusResponse{
		EngineID: h.engineID,
		Uptime:   time.Since(h.started).Truncate(time.Second).String(),
		Engine:   h.engine.Stats(),
	}
	if h.plugins != nil {
		resp.Plugins = h.plugins.GetPlugins()
	}
	if h.system != nil {
		if m, err := h.system.Collect(c.Request.Context()); err == nil {
			resp.System = m
		}
	}
	h.SuccessResponse(c, resp)
}
