package northbound

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
)

// SinkStats 连接器的统计信息
type SinkStats struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Running        bool      `json:"running"`
	MessagesTotal  int64     `json:"messages_total"`
	MessagesFailed int64     `json:"messages_failed"`
	LastError      string    `json:"last_error,omitempty"`
	LastMessage    time.Time `json:"last_message"`
}

// SinkHealthStatus 连接器健康状态
type SinkHealthStatus struct {
	Status    string    `json:"status"`     // "healthy", "degraded", "unhealthy"
	Message   string    `json:"message"`    // 状态描述
	LastCheck time.Time `json:"last_check"` // 最后检查时间
}

// ExtendedSink 包含统计和健康检查的连接器
type ExtendedSink interface {
	Sink
	GetStats() SinkStats
	Health() (SinkHealthStatus, error)
}

// BaseSink 所有连接器的基础实现
type BaseSink struct {
	name       string
	sinkType   string
	running    int32
	stats      SinkStats
	statsMutex sync.RWMutex
	tags       map[string]string
	batchSize  int
}

// NewBaseSink 创建基础连接器
func NewBaseSink(sinkType string) *BaseSink {
	return &BaseSink{
		sinkType:  sinkType,
		batchSize: 10,
		stats:     SinkStats{Type: sinkType},
	}
}

// Name 返回连接器名称
func (b *BaseSink) Name() string {
	return b.name
}

// Configure 应用通用配置
func (b *BaseSink) Configure(c config.SinkConfig) {
	b.name = c.Name
	b.tags = c.Tags
	if c.BatchSize > 0 {
		b.batchSize = c.BatchSize
	}
	b.statsMutex.Lock()
	b.stats.Name = b.name
	b.statsMutex.Unlock()
}

// IsRunning 检查连接器是否正在运行
func (b *BaseSink) IsRunning() bool {
	return atomic.LoadInt32(&b.running) == 1
}

// SetRunning 设置运行状态
func (b *BaseSink) SetRunning(running bool) {
	if running {
		atomic.StoreInt32(&b.running, 1)
	} else {
		atomic.StoreInt32(&b.running, 0)
	}
	b.statsMutex.Lock()
	b.stats.Running = running
	b.statsMutex.Unlock()
}

// GetStats 获取统计信息
func (b *BaseSink) GetStats() SinkStats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	stats := b.stats
	stats.Running = b.IsRunning()
	return stats
}

// GetBatchSize 获取批处理大小
func (b *BaseSink) GetBatchSize() int {
	return b.batchSize
}

// GetTags 获取附加标签
func (b *BaseSink) GetTags() map[string]string {
	return b.tags
}

// HandleError 统一错误处理
func (b *BaseSink) HandleError(err error, context string) {
	if err == nil {
		return
	}
	b.statsMutex.Lock()
	b.stats.MessagesFailed++
	b.stats.LastError = err.Error()
	b.statsMutex.Unlock()

	log.Error().Err(err).Str("sink", b.name).Str("type", b.sinkType).Str("context", context).Msg("连接器操作失败")
}

// Health 返回健康状态
func (b *BaseSink) Health() (SinkHealthStatus, error) {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()

	status, message := "healthy", "Sink is running normally"
	if !b.IsRunning() {
		status, message = "unhealthy", "Sink is not running"
	} else if b.stats.LastError != "" {
		status, message = "degraded", b.stats.LastError
	}
	return SinkHealthStatus{Status: status, Message: message, LastCheck: time.Now()}, nil
}

// GetLastError 返回最后的错误
func (b *BaseSink) GetLastError() error {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	if b.stats.LastError != "" {
		return errors.New(b.stats.LastError)
	}
	return nil
}

// SafePublishBatch 执行发布并统计结果
func (b *BaseSink) SafePublishBatch(batch []*insight.Insight, publishFunc func([]*insight.Insight) error) error {
	start := time.Now()
	if err := publishFunc(batch); err != nil {
		b.HandleError(err, "发布洞察")
		return err
	}

	b.statsMutex.Lock()
	b.stats.MessagesTotal += int64(len(batch))
	b.stats.LastMessage = time.Now()
	b.statsMutex.Unlock()

	log.Debug().
		Str("sink", b.name).
		Int("batch_size", len(batch)).
		Float64("response_time_ms", float64(time.Since(start).Nanoseconds())/1e6).
		Msg("发布洞察成功")
	return nil
}

// RenderSubject 替换主题模板中的 {id} {rule_id} {equipment_id} {site_id}
func RenderSubject(template string, in *insight.Insight) string {
	site := in.SiteID
	if site == "" {
		site = "default"
	}
	return strings.NewReplacer(
		"{id}", in.ID,
		"{rule_id}", in.RuleID,
		"{equipment_id}", in.EquipmentID,
		"{site_id}", site,
	).Replace(template)
}

// Chunk 按批大小切分
func Chunk(batch []*insight.Insight, size int) [][]*insight.Insight {
	if size <= 0 || len(batch) <= size {
		return [][]*insight.Insight{batch}
	}
	var out [][]*insight.Insight
	for len(batch) > size {
		out = append(out, batch[:size])
		batch = batch[size:]
	}
	return append(out, batch)
}
