package influxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/northbound"
)

func init() {
	northbound.Register("influxdb", func() northbound.Sink {
		return NewInfluxDBSink()
	})
}

// NewInfluxDBSink 创建InfluxDB连接器
func NewInfluxDBSink() *InfluxDBSink {
	return &InfluxDBSink{
		BaseSink:  northbound.NewBaseSink("influxdb"),
		published: make(map[string]time.Time),
	}
}

// InfluxDBSink 将故障区间写入 InfluxDB，每个区间一个点，时间戳为区间起点。
// 相同起点的区间重写时覆盖旧值，因此区间延长后可以重复写入。
type InfluxDBSink struct {
	*northbound.BaseSink
	cfg      *config.InfluxDBConfig
	client   influxdb2.Client
	writeAPI api.WriteAPI

	// published 每个洞察已写入的最后一个区间起点
	published map[string]time.Time
	mu        sync.Mutex
	errDone   chan struct{}
}

// Init 初始化
func (s *InfluxDBSink) Init(cfg json.RawMessage) error {
	c, err := config.NewParserWithDefaults(config.GetDefaultInfluxDBConfig()).Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析InfluxDB sink配置失败: %w", err)
	}
	s.cfg = c
	s.Configure(c.SinkConfig)

	options := influxdb2.DefaultOptions()
	options.SetBatchSize(uint(s.GetBatchSize()))
	options.SetFlushInterval(uint(c.FlushInterval))
	switch c.Precision {
	case "ns":
		options.SetPrecision(time.Nanosecond)
	case "us":
		options.SetPrecision(time.Microsecond)
	case "ms":
		options.SetPrecision(time.Millisecond)
	default:
		options.SetPrecision(time.Second)
	}

	s.client = influxdb2.NewClientWithOptions(c.URL, c.Token, options)
	s.writeAPI = s.client.WriteAPI(c.Org, c.Bucket)

	s.errDone = make(chan struct{})
	errorsCh := s.writeAPI.Errors()
	go func() {
		defer close(s.errDone)
		for err := range errorsCh {
			s.HandleError(err, "InfluxDB写入")
		}
	}()

	log.Info().
		Str("name", s.Name()).
		Str("url", c.URL).
		Str("org", c.Org).
		Str("bucket", c.Bucket).
		Str("measurement", c.Measurement).
		Int("batch_size", s.GetBatchSize()).
		Msg("InfluxDB连接器初始化完成")
	return nil
}

// Start 启动
func (s *InfluxDBSink) Start(ctx context.Context) error {
	s.SetRunning(true)
	log.Info().Str("name", s.Name()).Msg("InfluxDB连接器启动")
	return nil
}

// Publish 写入每个洞察自上次发布以来变化的区间
func (s *InfluxDBSink) Publish(batch []*insight.Insight) error {
	if !s.IsRunning() {
		return fmt.Errorf("InfluxDB连接器未启动")
	}
	if len(batch) == 0 {
		return nil
	}
	return s.SafePublishBatch(batch, func(batch []*insight.Insight) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, in := range batch {
			since := s.published[in.ID]
			for _, p := range OccurrencePoints(s.cfg.Measurement, in, since, s.GetTags()) {
				s.writeAPI.WritePoint(p)
			}
			if n := len(in.Occurrences); n > 0 {
				s.published[in.ID] = in.Occurrences[n-1].Started
			}
		}
		return nil
	})
}

// OccurrencePoints 生成起点不早于 since 的区间数据点
func OccurrencePoints(measurement string, in *insight.Insight, since time.Time, extraTags map[string]string) []*write.Point {
	var points []*write.Point
	for _, o := range in.Occurrences {
		if o.Started.Before(since) {
			continue
		}
		points = append(points, occurrencePoint(measurement, in, o, extraTags))
	}
	return points
}

func occurrencePoint(measurement string, in *insight.Insight, o model.Occurrence, extraTags map[string]string) *write.Point {
	tags := map[string]string{
		"insight_id":   in.ID,
		"rule_id":      in.RuleID,
		"equipment_id": in.EquipmentID,
		"state":        o.StateName(),
	}
	if in.SiteID != "" {
		tags["site_id"] = in.SiteID
	}
	for k, v := range extraTags {
		tags[k] = v
	}
	fields := map[string]interface{}{
		"faulted":    o.IsFaulted,
		"valid":      o.IsValid,
		"ended":      o.Ended.Unix(),
		"duration_s": o.Duration().Seconds(),
		"text":       o.Text,
	}
	return write.NewPoint(measurement, tags, fields, o.Started)
}

// Stop 刷新缓冲并关闭客户端
func (s *InfluxDBSink) Stop() error {
	s.SetRunning(false)
	if s.writeAPI != nil {
		s.writeAPI.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	log.Info().Str("name", s.Name()).Msg("InfluxDB连接器停止")
	return nil
}

// Healthy 检查服务端健康状态
func (s *InfluxDBSink) Healthy(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("InfluxDB客户端未初始化")
	}
	if _, err := s.client.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB服务器健康检查失败: %w", err)
	}
	return nil
}
