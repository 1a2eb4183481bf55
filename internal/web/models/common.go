package models

import (
	"time"

	"github.com/y001j/fault-engine/internal/monitoring"
	"github.com/y001j/fault-engine/internal/plugin"
)

// PagedResponse 分页响应结构
type PagedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// StatusRequest 修改洞察状态
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// HealthResponse /health 的响应
type HealthResponse struct {
	Status    string    `json:"status"` // healthy | degraded
	Timestamp time.Time `json:"timestamp"`
	NATS      string    `json:"nats"`
	Issues    []string  `json:"issues,omitempty"`
}

// StatusResponse /status 的响应
type StatusResponse struct {
	EngineID string                    `json:"engine_id"`
	Uptime   string                    `json:"uptime"`
	Engine   interface{}               `json:"engine"`
	Plugins  []*plugin.Meta            `json:"plugins"`
	System   *monitoring.SystemMetrics `json:"system,omitempty"`
}

// InstanceInfo 规则实例的绑定结果
type InstanceInfo struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	EquipmentID string            `json:"equipment_id"`
	Valid       bool              `json:"valid"`
	Points      []string          `json:"points"`
	Failed      map[string]string `json:"failed,omitempty"`
}
