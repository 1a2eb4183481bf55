package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/y001j/fault-engine/internal/core/bus"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/timeseries"
)

var (
	publishPrefix string
	publishBatch  int
	publishDelay  time.Duration

	publishCmd = &cobra.Command{
		Use:   "publish <csv>...",
		Short: "Publish CSV telemetry to the NATS telemetry subject",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPublish,
	}
)

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishPrefix, "prefix", "", "subject prefix; defaults to nats.telemetry_subject without its wildcard")
	f.IntVar(&publishBatch, "batch", 500, "samples per batch")
	f.DurationVar(&publishDelay, "delay", 0, "pause between batches")
}

// subjectPrefix 去掉订阅主题末尾的通配符
func subjectPrefix(subject string) string {
	subject = strings.TrimSuffix(subject, ".>")
	return strings.TrimSuffix(subject, ".*")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	values, err := readCSVFiles(args)
	if err != nil {
		return err
	}
	// 按时间排序，保证订阅方看到有序的时间步
	ordered := make([]model.TimedValue, 0, len(values))
	for _, step := range timeseries.Group(values) {
		for _, v := range step.Values {
			ordered = append(ordered, v)
		}
	}

	prefix := publishPrefix
	if prefix == "" {
		prefix = subjectPrefix(cfg.NATS.TelemetrySubject)
	}
	if prefix == "" {
		return fmt.Errorf("缺少发布主题前缀")
	}
	if publishBatch <= 0 {
		publishBatch = len(ordered)
	}

	conn, err := bus.Connect(cfg.NATS)
	if err != nil {
		return err
	}
	defer conn.Close()
	b := bus.New(conn.Conn)

	for start := 0; start < len(ordered); start += publishBatch {
		end := min(start+publishBatch, len(ordered))
		if err := bus.PublishSamples(b, prefix, ordered[start:end]); err != nil {
			return err
		}
		if publishDelay > 0 {
			time.Sleep(publishDelay)
		}
	}
	log.Info().Int("samples", len(ordered)).Str("prefix", prefix).Msg("采样发布完成")
	return nil
}
