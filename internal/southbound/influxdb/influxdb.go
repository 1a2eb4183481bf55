package influxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/southbound"
)

func init() {
	southbound.Register("influxdb", func() southbound.Adapter {
		return &InfluxDBAdapter{}
	})
}

// InfluxDBAdapter 通过 Flux 查询历史时序数据
type InfluxDBAdapter struct {
	*southbound.BaseAdapter
	cfg      *config.InfluxDBSourceConfig
	client   influxdb2.Client
	queryAPI api.QueryAPI
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Init 初始化
func (a *InfluxDBAdapter) Init(cfg json.RawMessage) error {
	parser := config.NewParserWithDefaults(config.GetDefaultInfluxDBSourceConfig())
	c, err := parser.Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析InfluxDB数据源配置失败: %w", err)
	}
	a.cfg = c
	a.BaseAdapter = southbound.NewBaseAdapter(c.Name, "influxdb")
	a.SetStaleAfter(0)

	opts := influxdb2.DefaultOptions()
	if c.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(c.Timeout.Duration() / time.Second))
	}
	a.client = influxdb2.NewClientWithOptions(c.URL, c.Token, opts)
	a.queryAPI = a.client.QueryAPI(c.Org)

	log.Info().
		Str("name", c.Name).
		Str("url", c.URL).
		Str("bucket", c.Bucket).
		Str("measurement", c.Measurement).
		Msg("InfluxDB数据源初始化完成")
	return nil
}

// Start 执行查询并按时间顺序发送采样
func (a *InfluxDBAdapter) Start(ctx context.Context, ch chan<- model.TimedValue) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.SetRunning(true)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.MarkDone()
		defer a.SetRunning(false)

		start := time.Now()
		count, err := a.run(ctx, ch)
		if err != nil && ctx.Err() == nil {
			a.SetLastError(err)
			log.Error().Err(err).Str("name", a.Name()).Msg("InfluxDB查询失败")
			return
		}
		a.RecordDataOperation(start)
		log.Info().Str("name", a.Name()).Int("samples", count).Dur("elapsed", time.Since(start)).Msg("InfluxDB数据源读取完成")
	}()
	return nil
}

func (a *InfluxDBAdapter) run(ctx context.Context, ch chan<- model.TimedValue) (int, error) {
	result, err := a.queryAPI.Query(ctx, BuildQuery(a.cfg))
	if err != nil {
		return 0, rules.NewSourceError(rules.ErrCodeSourceQuery, "InfluxDB查询失败", err).WithContext("bucket", a.cfg.Bucket)
	}
	defer result.Close()

	count := 0
	for result.Next() {
		v, err := RecordToSample(result.Record(), a.cfg.PointTag)
		if err != nil {
			log.Warn().Err(err).Str("name", a.Name()).Msg("跳过无法解析的记录")
			continue
		}
		if err := a.Send(ctx, ch, v); err != nil {
			return count, err
		}
		count++
	}
	return count, result.Err()
}

// BuildQuery 生成按时间排序的 Flux 查询
func BuildQuery(c *config.InfluxDBSourceConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", c.Bucket)
	stop := c.Stop
	if stop == "" {
		stop = "now()"
	}
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", c.Start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", c.Measurement)
	if c.Field != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == %q)\n", c.Field)
	}
	fmt.Fprintf(&b, "  |> group()\n")
	fmt.Fprintf(&b, "  |> sort(columns: [\"_time\"])")
	return b.String()
}

// RecordToSample 把一条 Flux 记录转换为采样，点位取自 pointTag 标签
func RecordToSample(rec *query.FluxRecord, pointTag string) (model.TimedValue, error) {
	id, _ := rec.ValueByKey(pointTag).(string)
	if id == "" {
		return model.TimedValue{}, fmt.Errorf("记录缺少标签 %s", pointTag)
	}
	ts := rec.Time()
	switch v := rec.Value().(type) {
	case nil:
		return model.NewMissingValue(id, ts), nil
	case float64:
		return model.NewTimedValue(id, ts, v), nil
	case int64:
		return model.NewTimedValue(id, ts, float64(v)), nil
	case uint64:
		return model.NewTimedValue(id, ts, float64(v)), nil
	case bool:
		if v {
			return model.NewTimedValue(id, ts, 1), nil
		}
		return model.NewTimedValue(id, ts, 0), nil
	default:
		return model.TimedValue{}, fmt.Errorf("点位 %s 的值类型 %T 不支持", id, v)
	}
}

// Stop 停止查询并关闭客户端
func (a *InfluxDBAdapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.client != nil {
		a.client.Close()
	}
	return nil
}
