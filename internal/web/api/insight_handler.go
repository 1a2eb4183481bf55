package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/store"
	"github.com/y001j/fault-engine/internal/web/models"
)

// InsightHandler 洞察查询与状态管理
type InsightHandler struct {
	*BaseHandler
	engine Engine
	store  store.InsightStore
}

// NewInsightHandler 创建洞察处理器，st 可以为空
func NewInsightHandler(e Engine, st store.InsightStore) *InsightHandler {
	return &InsightHandler{BaseHandler: &BaseHandler{}, engine: e, store: st}
}

func filterFromQuery(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		EquipmentID: c.Query("equipment_id"),
		RuleID:      c.Query("rule_id"),
		SiteID:      c.Query("site_id"),
	}
	if s := c.Query("status"); s != "" {
		st, err := insight.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if s := c.Query("faulty"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, err
		}
		f.OnlyFaulty = b
	}
	return f, nil
}

// ListInsights 获取洞察列表，支持按设备、规则、站点、状态过滤
func (h *InsightHandler) ListInsights(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		h.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, limit := h.GetPaginationParams(c)

	list := h.engine.Insights(f)
	start, end := window(len(list), offset, limit)
	h.SuccessResponse(c, &models.PagedResponse{
		Data:       list[start:end],
		Pagination: models.Pagination{Total: len(list), Offset: start, Limit: limit},
	})
}

// GetInsight 获取单个洞察；引擎中不存在时查询存储中的历史记录
func (h *InsightHandler) GetInsight(c *gin.Context) {
	id := c.Param("id")
	if in, ok := h.engine.Insight(id); ok {
		h.SuccessResponse(c, in)
		return
	}
	if h.store != nil {
		in, err := h.store.GetInsight(c.Request.Context(), id)
		if err == nil {
			h.SuccessResponse(c, in)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.ErrorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.ErrorResponse(c, http.StatusNotFound, "洞察不存在: "+id)
}

// SetStatus 修改洞察状态
func (h *InsightHandler) SetStatus(c *gin.Context) {
	id := c.Param("id")
	var req models.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	status, err := insight.ParseStatus(req.Status)
	if err != nil {
		h.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.SetStatus(id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.ErrorResponse(c, http.StatusNotFound, "洞察不存在: "+id)
			return
		}
		h.ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("insight_id", id).Str("status", string(status)).Msg("洞察状态已修改")
	in, _ := h.engine.Insight(id)
	h.SuccessResponse(c, in)
}

// ListInstances 获取规则实例的绑定结果，invalid=true 时只返回绑定失败的实例
func (h *InsightHandler) ListInstances(c *gin.Context) {
	onlyInvalid := c.Query("invalid") == "true"
	var out []models.InstanceInfo
	for _, inst := range h.engine.Instances() {
		info := instanceInfo(inst)
		if onlyInvalid && info.Valid {
			continue
		}
		out = append(out, info)
	}
	h.SuccessResponse(c, out)
}

func instanceInfo(inst *rules.RuleInstance) models.InstanceInfo {
	info := models.InstanceInfo{
		ID:          inst.ID,
		RuleID:      inst.RuleID,
		EquipmentID: inst.EquipmentID,
		Valid:       true,
		Points:      inst.PointIDs(),
	}
	for _, p := range inst.FailedParameters() {
		if info.Failed == nil {
			info.Failed = make(map[string]string)
		}
		info.Valid = false
		info.Failed[p.Name] = p.Failed().Message
	}
	return info
}
