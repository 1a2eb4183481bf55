package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fault_engine"

// Metrics 引擎运行指标，所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	SamplesReceived *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	Timesteps       prometheus.Counter
	BatchDuration   prometheus.Histogram
	Transitions     *prometheus.CounterVec
	Instances       *prometheus.GaugeVec
	FaultyInsights  prometheus.Gauge
	Published       *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
}

// New 创建指标集合并注册到独立的 Registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SamplesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_received_total",
			Help:      "Samples received per source",
		}, []string{"source"}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped before evaluation",
		}, []string{"reason"}),
		Timesteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timesteps_total",
			Help:      "Timesteps evaluated",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent evaluating one batch of timesteps",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Fault state transitions by target state",
		}, []string{"state"}),
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_instances",
			Help:      "Bound rule instances",
		}, []string{"valid"}),
		FaultyInsights: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "faulty_insights",
			Help:      "Insights with at least one faulted occurrence",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insights_published_total",
			Help:      "Insights published per sink",
		}, []string{"sink"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Sink publish failures",
		}, []string{"sink"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store failures by operation",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.SamplesReceived, m.SamplesDropped, m.Timesteps, m.BatchDuration,
		m.Transitions, m.Instances, m.FaultyInsights,
		m.Published, m.PublishErrors, m.StoreErrors,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SampleReceived 记录收到的样本
func (m *Metrics) SampleReceived(source string) {
	if m == nil {
		return
	}
	m.SamplesReceived.WithLabelValues(source).Inc()
}

// SampleDropped 记录丢弃的样本
func (m *Metrics) SampleDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SamplesDropped.WithLabelValues(reason).Add(float64(n))
}

// ObserveBatch 记录一个批次
func (m *Metrics) ObserveBatch(steps int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Timesteps.Add(float64(steps))
	m.BatchDuration.Observe(elapsed.Seconds())
}

// Transition 记录状态转移
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// SetInstances 更新实例数量
func (m *Metrics) SetInstances(valid, invalid int) {
	if m == nil {
		return
	}
	m.Instances.WithLabelValues("true").Set(float64(valid))
	m.Instances.WithLabelValues("false").Set(float64(invalid))
}

// SetFaulty 更新故障洞察数量
func (m *Metrics) SetFaulty(n int) {
	if m == nil {
		return
	}
	m.FaultyInsights.Set(float64(n))
}

// PublishResult 记录一次发布
func (m *Metrics) PublishResult(sink string, n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishErrors.WithLabelValues(sink).Inc()
		return
	}
	m.Published.WithLabelValues(sink).Add(float64(n))
}

// StoreError 记录存储失败
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
