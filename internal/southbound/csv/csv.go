package csv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/rules"
	"github.com/y001j/fault-engine/internal/southbound"
	"github.com/y001j/fault-engine/internal/timeseries"
)

func init() {
	southbound.Register("csv", func() southbound.Adapter {
		return &CSVAdapter{}
	})
}

// CSVAdapter 批量读取 CSV 文件中的历史采样
type CSVAdapter struct {
	*southbound.BaseAdapter
	cfg    *config.CSVSourceConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Init 初始化
func (a *CSVAdapter) Init(cfg json.RawMessage) error {
	parser := config.NewParserWithDefaults(config.GetDefaultCSVSourceConfig())
	c, err := parser.Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析CSV数据源配置失败: %w", err)
	}
	a.cfg = c
	a.BaseAdapter = southbound.NewBaseAdapter(c.Name, "csv")
	a.SetStaleAfter(0)
	return nil
}

// Start 在后台读取文件，读完后 Done 关闭
func (a *CSVAdapter) Start(ctx context.Context, ch chan<- model.TimedValue) error {
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return rules.NewSourceError(rules.ErrCodeSourceRead, "打开CSV文件失败", err).WithContext("path", a.cfg.Path)
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.SetRunning(true)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer f.Close()
		defer a.MarkDone()
		defer a.SetRunning(false)

		count := 0
		err := timeseries.ScanCSV(f, timeseries.CSVOptions{
			TimeLayout: a.cfg.TimeLayout,
			HasHeader:  a.cfg.HasHeader,
		}, func(v model.TimedValue) error {
			count++
			return a.Send(ctx, ch, v)
		})
		if err != nil && ctx.Err() == nil {
			a.SetLastError(rules.NewSourceError(rules.ErrCodeSourceFormat, "读取CSV失败", err).WithContext("samples", count))
			log.Error().Err(err).Str("name", a.Name()).Str("path", a.cfg.Path).Msg("读取CSV失败")
			return
		}
		log.Info().Str("name", a.Name()).Str("path", a.cfg.Path).Int("samples", count).Msg("CSV数据源读取完成")
	}()
	return nil
}

// Stop 停止读取
func (a *CSVAdapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}
