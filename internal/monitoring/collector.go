// Package monitoring 采集引擎所在主机与进程的资源占用
package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 系统与进程指标
type SystemMetrics struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUUsage         float64   `json:"cpu_usage"` // %
	CPUCores         int       `json:"cpu_cores"`
	MemoryUsage      float64   `json:"memory_usage"` // %
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	DiskPath         string    `json:"disk_path"`
	DiskUsage        float64   `json:"disk_usage"` // %
	DiskFreeBytes    uint64    `json:"disk_free_bytes"`
	ProcessRSSBytes  uint64    `json:"process_rss_bytes"`
	ProcessCPU       float64   `json:"process_cpu"`
	GoroutineCount   int       `json:"goroutine_count"`
	HeapAllocBytes   uint64    `json:"heap_alloc_bytes"`
	GCCount          uint32    `json:"gc_count"`
}

// Thresholds 告警阈值（百分比）
type Thresholds struct {
	CPUCritical    float64 `json:"cpu_critical" yaml:"cpu_critical"`
	MemoryCritical float64 `json:"memory_critical" yaml:"memory_critical"`
	DiskCritical   float64 `json:"disk_critical" yaml:"disk_critical"`
}

// Config 采集器配置
type Config struct {
	// DiskPath 监控所在分区，通常是数据目录
	DiskPath      string        `json:"disk_path" yaml:"disk_path"`
	CacheDuration time.Duration `json:"cache_duration" yaml:"cache_duration"`
	Thresholds    Thresholds    `json:"thresholds" yaml:"thresholds"`
}

// Collector 带缓存的指标采集器，并发安全
type Collector struct {
	cfg  Config
	proc *process.Process

	mu      sync.Mutex
	last    *SystemMetrics
	updated time.Time
}

// NewCollector 创建采集器
func NewCollector(cfg Config) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = 10 * time.Second
	}
	if cfg.Thresholds.CPUCritical == 0 {
		cfg.Thresholds.CPUCritical = 95
	}
	if cfg.Thresholds.MemoryCritical == 0 {
		cfg.Thresholds.MemoryCritical = 95
	}
	if cfg.Thresholds.DiskCritical == 0 {
		cfg.Thresholds.DiskCritical = 95
	}
	c := &Collector{cfg: cfg}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	} else {
		log.Warn().Err(err).Msg("无法读取当前进程信息")
	}
	return c
}

// Collect 返回指标，缓存期内直接返回上次结果
func (c *Collector) Collect(ctx context.Context) (*SystemMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && time.Since(c.updated) < c.cfg.CacheDuration {
		return c.last, nil
	}
	m, err := c.collect(ctx)
	if err != nil {
		return nil, err
	}
	c.last, c.updated = m, time.Now()
	return m, nil
}

func (c *Collector) collect(ctx context.Context) (*SystemMetrics, error) {
	m := &SystemMetrics{Timestamp: time.Now().UTC(), DiskPath: c.cfg.DiskPath}

	// 不阻塞采样，返回自上次调用以来的平均值
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("采集CPU指标失败: %w", err)
	}
	if len(percents) > 0 {
		m.CPUUsage = percents[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.CPUCores = n
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("采集内存指标失败: %w", err)
	}
	m.MemoryUsage = vm.UsedPercent
	m.MemoryTotalBytes = vm.Total

	du, err := disk.UsageWithContext(ctx, c.cfg.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("采集磁盘指标失败: %w", err)
	}
	m.DiskUsage = du.UsedPercent
	m.DiskFreeBytes = du.Free

	if c.proc != nil {
		if info, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			m.ProcessRSSBytes = info.RSS
		}
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			m.ProcessCPU = pct
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.GoroutineCount = runtime.NumGoroutine()
	m.HeapAllocBytes = ms.Alloc
	m.GCCount = ms.NumGC
	return m, nil
}

// Check 按阈值判断资源是否充足，返回超限项
func (c *Collector) Check(m *SystemMetrics) []string {
	var issues []string
	if m.CPUUsage >= c.cfg.Thresholds.CPUCritical {
		issues = append(issues, fmt.Sprintf("CPU usage critical: %.1f%%", m.CPUUsage))
	}
	if m.MemoryUsage >= c.cfg.Thresholds.MemoryCritical {
		issues = append(issues, fmt.Sprintf("Memory usage critical: %.1f%%", m.MemoryUsage))
	}
	if m.DiskUsage >= c.cfg.Thresholds.DiskCritical {
		issues = append(issues, fmt.Sprintf("Disk usage critical: %.1f%% on %s", m.DiskUsage, m.DiskPath))
	}
	return issues
}
