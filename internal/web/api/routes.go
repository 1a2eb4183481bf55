package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/y001j/fault-engine/internal/engine"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/metrics"
	"github.com/y001j/fault-engine/internal/monitoring"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
	"github.com/y001j/fault-engine/internal/web/middleware"
)

// Engine 处理器需要的引擎能力
type Engine interface {
	Insights(f store.Filter) []*insight.Insight
	Insight(id string) (*insight.Insight, bool)
	SetStatus(id string, status insight.Status) error
	Instances() []*rules.RuleInstance
	Stats() engine.Stats
}

// Deps 路由依赖，除 Engine 外都可以为空
type Deps struct {
	EngineID string
	Started  time.Time
	Engine   Engine
	Store    store.InsightStore
	Plugins  PluginLister
	Metrics  *metrics.Metrics
	System   *monitoring.Collector
	Bus      *nats.Conn
}

// NewRouter 创建 gin 路由
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	SetupRoutes(router, d)
	return router
}

// SetupRoutes 设置路由
func SetupRoutes(router *gin.Engine, d Deps) {
	router.Use(middleware.Recovery(), middleware.Logger(), middleware.CORS())

	system := &SystemHandler{
		BaseHandler: &BaseHandler{},
		engineID:    d.EngineID,
		started:     d.Started,
		engine:      d.Engine,
		plugins:     d.Plugins,
		system:      d.System,
		bus:         d.Bus,
	}
	router.GET("/health", system.Health)
	router.GET("/status", system.Status)
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	insights := NewInsightHandler(d.Engine, d.Store)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/insights", insights.ListInsights)
		v1.GET("/insights/:id", insights.GetInsight)
		v1.PUT("/insights/:id/status", insights.SetStatus)
		v1.GET("/instances", insights.ListInstances)
	}
}
