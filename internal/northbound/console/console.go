package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/insight"
	"github.com/y001j/fault-engine/internal/northbound"
)

func init() {
	northbound.Register("console", func() northbound.Sink {
		return NewConsoleSink(os.Stdout)
	})
}

// NewConsoleSink 创建输出到 w 的控制台连接器
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{
		BaseSink: northbound.NewBaseSink("console"),
		out:      w,
	}
}

// ConsoleSink 将洞察输出到控制台
type ConsoleSink struct {
	*northbound.BaseSink
	cfg *config.ConsoleConfig
	out io.Writer
	mu  sync.Mutex
}

// Init 初始化
func (s *ConsoleSink) Init(cfg json.RawMessage) error {
	c, err := config.NewParserWithDefaults(config.GetDefaultConsoleConfig()).Parse(cfg)
	if err != nil {
		return fmt.Errorf("解析控制台sink配置失败: %w", err)
	}
	s.cfg = c
	s.Configure(c.SinkConfig)

	log.Info().Str("name", s.Name()).Str("format", c.Format).Bool("only_faulty", c.OnlyFaulty).Msg("控制台sink初始化完成")
	return nil
}

// Start 启动
func (s *ConsoleSink) Start(ctx context.Context) error {
	s.SetRunning(true)
	return nil
}

// Publish 输出一批洞察
func (s *ConsoleSink) Publish(batch []*insight.Insight) error {
	if !s.IsRunning() {
		return fmt.Errorf("控制台sink未启动")
	}
	var selected []*insight.Insight
	for _, in := range batch {
		if s.cfg.OnlyFaulty && in.FaultedCount == 0 {
			continue
		}
		selected = append(selected, in)
	}
	if len(selected) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SafePublishBatch(selected, s.write)
}

func (s *ConsoleSink) write(batch []*insight.Insight) error {
	switch s.cfg.Format {
	case "json":
		enc := json.NewEncoder(s.out)
		for _, in := range batch {
			if err := enc.Encode(in); err != nil {
				return err
			}
		}
		return nil
	case "table":
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATE\tRULE\tEQUIPMENT\tFAULTS\tOCCURRENCES\tTEXT")
		for _, in := range batch {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				stateOf(in), in.RuleName, in.EquipmentName, in.FaultedCount, len(in.Occurrences), in.Text)
		}
		return tw.Flush()
	default:
		for _, in := range batch {
			if _, err := fmt.Fprintf(s.out, "[%s] %s @ %s: %s (faults=%d)\n",
				stateOf(in), in.RuleName, in.EquipmentName, in.Text, in.FaultedCount); err != nil {
				return err
			}
		}
		return nil
	}
}

func stateOf(in *insight.Insight) string {
	switch {
	case !in.IsValid:
		return "INVALID"
	case in.IsFaulty:
		return "FAULTED"
	default:
		return "OK"
	}
}

// Stop 停止
func (s *ConsoleSink) Stop() error {
	s.SetRunning(false)
	return nil
}
