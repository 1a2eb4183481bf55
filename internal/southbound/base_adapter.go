package southbound

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/model"
)

const (
	defaultStaleAfter = 2 * time.Minute
	// 响应时间滑动平均的权重
	responseAlpha = 0.1
)

// BaseAdapter 提供数据源的通用监控和错误处理
type BaseAdapter struct {
	name        string
	adapterType string
	running     int32
	startTime   time.Time
	mu          sync.RWMutex

	samplesCollected int64
	samplesDropped   int64
	errorsCount      int64
	lastSampleTime   time.Time
	lastError        error

	avgResponseTime float64
	staleAfter      time.Duration

	healthStatus    string
	healthMessage   string
	lastHealthCheck time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewBaseAdapter 创建新的基础数据源
func NewBaseAdapter(name, adapterType string) *BaseAdapter {
	return &BaseAdapter{
		name:            name,
		adapterType:     adapterType,
		healthStatus:    "healthy",
		healthMessage:   "Adapter initialized",
		lastHealthCheck: time.Now(),
		staleAfter:      defaultStaleAfter,
		done:            make(chan struct{}),
	}
}

// Name 返回数据源名称
func (b *BaseAdapter) Name() string {
	return b.name
}

// Type 返回数据源类型
func (b *BaseAdapter) Type() string {
	return b.adapterType
}

// IsRunning 检查是否正在运行
func (b *BaseAdapter) IsRunning() bool {
	return atomic.LoadInt32(&b.running) == 1
}

// SetRunning 设置运行状态
func (b *BaseAdapter) SetRunning(running bool) {
	if running {
		atomic.StoreInt32(&b.running, 1)
		b.mu.Lock()
		b.startTime = time.Now()
		b.mu.Unlock()
	} else {
		atomic.StoreInt32(&b.running, 0)
	}
}

// Done 数据读完后关闭
func (b *BaseAdapter) Done() <-chan struct{} {
	return b.done
}

// MarkDone 标记有限数据源已读完
func (b *BaseAdapter) MarkDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

// SetLastError 设置最后的错误
func (b *BaseAdapter) SetLastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = err
	if err != nil {
		atomic.AddInt64(&b.errorsCount, 1)
		b.healthStatus = "degraded"
		b.healthMessage = err.Error()
	}
	b.lastHealthCheck = time.Now()
}

// SetHealthStatus 设置健康状态
func (b *BaseAdapter) SetHealthStatus(status, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthStatus = status
	b.healthMessage = message
	b.lastHealthCheck = time.Now()
}

// Health 返回健康状态
func (b *BaseAdapter) Health() (HealthStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.IsRunning() && b.staleAfter > 0 && !b.lastSampleTime.IsZero() && time.Since(b.lastSampleTime) > b.staleAfter {
		return HealthStatus{
			Status:    "degraded",
			Message:   fmt.Sprintf("no samples for %s", b.staleAfter),
			LastCheck: time.Now(),
		}, nil
	}

	return HealthStatus{
		Status:    b.healthStatus,
		Message:   b.healthMessage,
		LastCheck: b.lastHealthCheck,
	}, nil
}

// GetMetrics 返回数据源指标
func (b *BaseAdapter) GetMetrics() (AdapterMetrics, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var uptime time.Duration
	if b.IsRunning() {
		uptime = time.Since(b.startTime)
	}
	var lastErrorMsg string
	if b.lastError != nil {
		lastErrorMsg = b.lastError.Error()
	}

	return AdapterMetrics{
		SamplesCollected:    atomic.LoadInt64(&b.samplesCollected),
		SamplesDropped:      atomic.LoadInt64(&b.samplesDropped),
		ErrorsCount:         atomic.LoadInt64(&b.errorsCount),
		LastSampleTime:      b.lastSampleTime,
		ConnectionUptime:    uptime,
		LastError:           lastErrorMsg,
		AverageResponseTime: b.avgResponseTime,
	}, nil
}

// GetLastError 返回最后的错误
func (b *BaseAdapter) GetLastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

// SetStaleAfter 运行中超过 d 没有采样时健康状态降级，0 表示不检查
func (b *BaseAdapter) SetStaleAfter(d time.Duration) {
	b.mu.Lock()
	b.staleAfter = d
	b.mu.Unlock()
}

// RecordDataOperation 记录一次数据操作的响应时间（毫秒，指数滑动平均）
func (b *BaseAdapter) RecordDataOperation(startTime time.Time) {
	ms := float64(time.Since(startTime).Nanoseconds()) / 1e6

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.avgResponseTime == 0 {
		b.avgResponseTime = ms
		return
	}
	b.avgResponseTime += responseAlpha * (ms - b.avgResponseTime)
}

func (b *BaseAdapter) collected() {
	atomic.AddInt64(&b.samplesCollected, 1)
	b.mu.Lock()
	b.lastSampleTime = time.Now()
	b.mu.Unlock()
}

// SafeSend 非阻塞发送，缓冲区满时丢弃并计数。用于实时数据源。
func (b *BaseAdapter) SafeSend(ch chan<- model.TimedValue, v model.TimedValue, operationStart time.Time) {
	select {
	case ch <- v:
		b.collected()
		b.RecordDataOperation(operationStart)
	default:
		atomic.AddInt64(&b.samplesDropped, 1)
		b.SetLastError(fmt.Errorf("buffer full, dropped sample for point %s", v.PointID))
		log.Warn().Str("adapter", b.name).Str("point_id", v.PointID).Msg("缓冲区已满，丢弃采样")
	}
}

// Send 阻塞发送，直到 ctx 取消。用于有限数据源，保证不丢数据。
func (b *BaseAdapter) Send(ctx context.Context, ch chan<- model.TimedValue, v model.TimedValue) error {
	select {
	case ch <- v:
		b.collected()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
